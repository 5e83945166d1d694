package taskexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/swarmguard/orchestrator/internal/kernel"
)

func TestInvokeResolvesTemplateAndDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if body["url"] != "https://example.com/doc.pdf" {
			t.Fatalf("expected template resolved, got %v", body["url"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"text": "extracted content"})
	}))
	defer srv.Close()

	worker := NewHTTPWorker(srv.URL, srv.Client(), nil, "extracted_content")
	step := &kernel.Step{ID: "html_extraction", Input: map[string]any{"url": "{{analysis.resolved_url}}"}}
	prior := map[string]map[string]any{"analysis": {"resolved_url": "https://example.com/doc.pdf"}}

	result, err := worker.Invoke(context.Background(), step, prior)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result["text"] != "extracted content" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestInvokeReturnsErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	worker := NewHTTPWorker(srv.URL, srv.Client(), nil, "extracted_content")
	step := &kernel.Step{ID: "s", Input: map[string]any{}}
	if _, err := worker.Invoke(context.Background(), step, nil); err == nil {
		t.Fatalf("expected error on 500 response")
	}
}
