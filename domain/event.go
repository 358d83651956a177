package domain

// Wire-level event names. These are shared with the browser client and must
// not change.
const (
	TaskCreated = "task-created"
	TaskUpdated = "task-updated"
	TaskDeleted = "task-deleted"
)

// Event represents a task mutation fanned out to the owner's live sessions.
// Events are ephemeral and delivered at most once per subscriber; a missed
// event is recovered by the next full list fetch.
type Event struct {
	Kind    string `json:"kind"`
	OwnerID string `json:"ownerId"`
	TaskID  string `json:"taskId"`
	// Task is the canonical post-mutation task for task-created and
	// task-updated. It is nil for task-deleted.
	Task *Task `json:"task,omitempty"`
	// Timestamp orders events for the same task. Assigned by the gateway
	// from a process-monotonic clock after the mutation committed.
	Timestamp int64 `json:"timestamp"`
}
