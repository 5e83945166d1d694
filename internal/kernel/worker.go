package kernel

import "time"

// Availability is a worker instance's current dispatch eligibility
// (spec.md §3: idle | busy | error | offline).
type Availability string

const (
	WorkerIdle    Availability = "idle"
	WorkerBusy    Availability = "busy"
	WorkerError   Availability = "error"
	WorkerOffline Availability = "offline"
)

// WorkerState tracks one registered worker instance (spec.md §3).
// Invariant: at most one step assigned at a time per worker instance.
type WorkerState struct {
	ID              string
	Role            string
	Capabilities    []string
	Availability    Availability
	AssignedStep    string
	LastHeartbeat   time.Time
	RegisteredAt    time.Time
	JobsProcessed   int
	Errors          int
	QueueLength     int
}
