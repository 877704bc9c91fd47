package events

// Event type constants following CloudEvents naming conventions
// Format: <reverse-dns>.<resource>.<action>.<version>

const (
	// Event source.
	EventSourceBudgetWatch = "io.libops.budget-watch"

	// Stack events.
	EventTypeStackSuspended = "io.libops.budget_watch.stack.suspended.v1"
	EventTypeStackRestored  = "io.libops.budget_watch.stack.restored.v1"
)

// StackSuspended is the payload of EventTypeStackSuspended.
type StackSuspended struct {
	Stack       string   `json:"stack"`
	SnapshotKey string   `json:"snapshot_key"`
	Budget      string   `json:"budget,omitempty"`
	Discovered  int      `json:"discovered"`
	Excluded    int      `json:"excluded"`
	Captured    int      `json:"captured"`
	Suspended   int      `json:"suspended"`
	Failed      []string `json:"failed,omitempty"`
}

// StackRestored is the payload of EventTypeStackRestored.
type StackRestored struct {
	Stack         string   `json:"stack"`
	SnapshotKey   string   `json:"snapshot_key"`
	RequestType   string   `json:"request_type"`
	SnapshotFound bool     `json:"snapshot_found"`
	Restored      int      `json:"restored"`
	Failed        []string `json:"failed,omitempty"`
	Retained      []string `json:"retained,omitempty"`
}
