// Package demoapi holds the wire types of the admission HTTP API.
package demoapi

import "time"

// TaskSpec describes one task of a submitted tree, carrying only the
// fields the classifier looks at.
type TaskSpec struct {
	ExecutorID string            `json:"executor_id"`
	Method     string            `json:"method,omitempty"`
	Type       string            `json:"type,omitempty"`
	Model      string            `json:"model,omitempty"`
	Provider   string            `json:"provider,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

type DecideRequest struct {
	UserID     string     `json:"user_id"`
	HasLLMKey  bool       `json:"has_llm_key"`
	RootTaskID string     `json:"root_task_id,omitempty"`
	Tasks      []TaskSpec `json:"tasks"`
}

type QuotaInfo struct {
	Day        string `json:"day"`
	TotalUsed  int    `json:"total_used"`
	TotalLimit int    `json:"total_limit"`
	LLMUsed    int    `json:"llm_used"`
	LLMLimit   int    `json:"llm_limit"`
}

type DecideResponse struct {
	Decision       string    `json:"decision"`
	Reason         string    `json:"reason,omitempty"`
	RootTaskID     string    `json:"root_task_id,omitempty"`
	IsLLMConsuming bool      `json:"is_llm_consuming"`
	Quota          QuotaInfo `json:"quota"`
}

// FinishedRequest is the body of the finished lifecycle hook.
// Status is "success" or "failure".
type FinishedRequest struct {
	Status string `json:"status"`
}

type TreeResponse struct {
	RootTaskID     string    `json:"root_task_id"`
	UserID         string    `json:"user_id"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	IsLLMConsuming bool      `json:"is_llm_consuming"`
	UsedDemo       bool      `json:"used_demo"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ConcurrencyInfo struct {
	GlobalActive int `json:"global_active"`
	UserActive   int `json:"user_active"`
	GlobalMax    int `json:"global_max"`
	UserMax      int `json:"user_max"`
}

type StatusResponse struct {
	UserID      string          `json:"user_id"`
	IsPremium   bool            `json:"is_premium"`
	Quota       QuotaInfo       `json:"quota"`
	Concurrency ConcurrencyInfo `json:"concurrency"`
}

type StatsResponse struct {
	Day                  string `json:"day"`
	GlobalActive         int    `json:"global_active"`
	ActiveUsers          int    `json:"active_users"`
	ExecutionsToday      int    `json:"executions_today"`
	DemoRunsToday        int    `json:"demo_runs_today"`
	MaxConcurrentTotal   int    `json:"max_concurrent_total"`
	MaxConcurrentPerUser int    `json:"max_concurrent_per_user"`
}

type AuditRecord struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	UserID    string    `json:"user_id"`
	Result    string    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SweepResponse struct {
	Orphaned int `json:"orphaned"`
	Purged   int `json:"purged"`
}

type DemoListResponse struct {
	TaskIDs []string `json:"task_ids"`
}
