package bus

import (
	"encoding/json"

	"github.com/swarmguard/orchestrator/internal/kernel"
)

// encode/decode give Message.serialize/deserialize round-trip identity
// (spec.md §8) for everything except bus-added transport metadata.
func encode(msg kernel.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func decode(data []byte) (kernel.Message, error) {
	var msg kernel.Message
	err := json.Unmarshal(data, &msg)
	return msg, err
}
