package state

import "time"

// Task tree lifecycle statuses. Transitions are Pending -> Running ->
// Completed/Failed; terminal entries never leave their state.
const (
	TreePending   = "Pending"
	TreeRunning   = "Running"
	TreeCompleted = "Completed"
	TreeFailed    = "Failed"
)

// QuotaLimits is the pair of daily ceilings applied to one increment
// attempt. LLM is ignored for non-LLM increments.
type QuotaLimits struct {
	Total int
	LLM   int
}

// QuotaCounts is a snapshot of one (user, day) counter row.
type QuotaCounts struct {
	Total int
	LLM   int
}

// ConcurrencyCounts is a snapshot of the global slot counter and one
// user's slot counter.
type ConcurrencyCounts struct {
	Global int
	User   int
}

// TreeEntry tracks one admitted task tree. IsLLMConsuming and UsedDemo
// are fixed at admission time and never change afterwards.
type TreeEntry struct {
	RootTaskID     string
	UserID         string
	IsLLMConsuming bool
	UsedDemo       bool
	Status         string
	Reason         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type AuditRecord struct {
	ID        int64
	Action    string
	UserID    string
	Result    string
	Reason    string
	Details   string
	CreatedAt time.Time
}

type AuditQuery struct {
	Limit  int
	Offset int
	Action string
	UserID string
	Result string
	From   time.Time
	To     time.Time
}

func IsTerminal(status string) bool {
	switch status {
	case TreeCompleted, TreeFailed:
		return true
	default:
		return false
	}
}
