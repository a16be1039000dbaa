package models

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ThreadState is a position in the slot-filling state machine.
type ThreadState string

const (
	StateCollectingIntent ThreadState = "COLLECTING_INTENT"
	StateCollectingSlots  ThreadState = "COLLECTING_SLOTS"
	StateReadyToGenerate  ThreadState = "READY_TO_GENERATE"
	StateGenerating       ThreadState = "GENERATING"
	StateComplete         ThreadState = "COMPLETE"
	StateFailed           ThreadState = "FAILED"
)

// Terminal reports whether the state ends a generation cycle.
func (s ThreadState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

type Message struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      string    `json:"role"` // user or assistant
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Thread is the durable state of one conversation. Version is bumped on
// every state write and is the optimistic concurrency token.
type Thread struct {
	ID          string            `json:"thread_id"`
	State       ThreadState       `json:"state"`
	Template    string            `json:"template,omitempty"`
	Slots       map[string]string `json:"slots"`
	AskedSlot   string            `json:"asked_slot,omitempty"` // slot named by the last clarifying question
	ActiveJobID string            `json:"active_job_id,omitempty"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so mutators never alias stored maps.
func (t *Thread) Clone() *Thread {
	c := *t
	c.Slots = make(map[string]string, len(t.Slots))
	for k, v := range t.Slots {
		c.Slots[k] = v
	}
	return &c
}
