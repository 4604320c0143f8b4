package scheduler

import (
	"time"

	"github.com/watzon/fngate/internal/value"
)

// ScheduleType represents the type of schedule.
type ScheduleType string

const (
	// ScheduleTypeCron represents a cron-based schedule.
	ScheduleTypeCron ScheduleType = "cron"
	// ScheduleTypeInterval represents an interval-based schedule.
	ScheduleTypeInterval ScheduleType = "interval"
)

// Schedule is a registered background invocation of a function.
type Schedule struct {
	ID         string        `json:"id"`         // function name and schedule name
	Name       string        `json:"name"`       // Schedule name
	Function   string        `json:"function"`   // Function to invoke
	Route      string        `json:"route"`      // Route of the function
	Type       ScheduleType  `json:"type"`       // Schedule type (cron, interval)
	Expression string        `json:"expression"` // cron expression or interval duration
	Timezone   string        `json:"timezone,omitempty"`
	Params     *value.Object `json:"-"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	LastStatus string        `json:"last_status,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	Running    bool          `json:"running"`
}

// Last run statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)
