package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleStatus tags the outcome of one scan cycle.
type CycleStatus string

const (
	CycleSuccess CycleStatus = "success"
	CycleSkip    CycleStatus = "skip"
	CycleFail    CycleStatus = "fail"
)

// CycleResult summarizes one scan cycle of one source. Err is set for skip
// and fail.
type CycleResult struct {
	Source     Source        `json:"source"`
	Status     CycleStatus   `json:"status"`
	Candidates int           `json:"candidates"`
	Sent       int           `json:"sent"`
	Suppressed int           `json:"suppressed"`
	Failed     int           `json:"failed"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// SourceHealth is the query-side view of one source loop.
type SourceHealth struct {
	Source              Source      `json:"source"`
	Enabled             bool        `json:"enabled"`
	LastStatus          CycleStatus `json:"last_status,omitempty"`
	LastRun             time.Time   `json:"last_run,omitempty"`
	LastSuccess         time.Time   `json:"last_success,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastError           string      `json:"last_error,omitempty"`
	Breaker             string      `json:"breaker,omitempty"`
}

// ZoneReport holds the zones found for one symbol on the latest scan.
type ZoneReport struct {
	Symbol  string           `json:"symbol"`
	Price   decimal.Decimal  `json:"price"`
	Zones   []ConfluenceZone `json:"zones"`
	TakenAt time.Time        `json:"taken_at"`
}
