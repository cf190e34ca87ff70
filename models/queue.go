package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DateLayout is the wire and storage format of a booking date.
	DateLayout = "2006-01-02"
	// ClockLayout is the HH:MM format used for appointment times.
	ClockLayout = "15:04"
)

type QueueStatus string

const (
	QueueRegistered QueueStatus = "registered"
	QueueRunning    QueueStatus = "running"
	QueueStopped    QueueStatus = "stopped"
)

type EntryStatus string

const (
	EntryRegistered        EntryStatus = "registered"
	EntryInProgress        EntryStatus = "in_progress"
	EntryCompleted         EntryStatus = "completed"
	EntryFailed            EntryStatus = "failed"
	EntryCancelled         EntryStatus = "cancelled"
	EntryPriorityRequested EntryStatus = "priority_requested"
)

// Active reports whether the entry still holds a place in its queue.
func (s EntryStatus) Active() bool {
	return s == EntryRegistered || s == EntryInProgress
}

// ActiveStatuses are the statuses covered by the one-active-entry rule.
var ActiveStatuses = []EntryStatus{EntryRegistered, EntryInProgress}

type Business struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Queue struct {
	ID         string      `json:"id"`
	BusinessID string      `json:"business_id"`
	Name       string      `json:"name"`
	Limit      int         `json:"limit,omitempty"`
	StartTime  string      `json:"start_time,omitempty"` // HH:MM
	EndTime    string      `json:"end_time,omitempty"`   // HH:MM
	Status     QueueStatus `json:"status"`
	EmployeeID string      `json:"employee_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Capacity returns the queue limit, or def when the queue has none.
func (q Queue) Capacity(def int) int {
	if q.Limit > 0 {
		return q.Limit
	}
	return def
}

// ServiceOffering is a global service offered by a business, optionally
// pinned to one of its queues.
type ServiceOffering struct {
	ID                string          `json:"id"`
	ServiceID         string          `json:"service_id"`
	ServiceName       string          `json:"service_name"`
	BusinessID        string          `json:"business_id"`
	QueueID           string          `json:"queue_id,omitempty"`
	Fee               decimal.Decimal `json:"service_fee"`
	FeeType           string          `json:"fee_type,omitempty"`
	AvgServiceMinutes int             `json:"avg_service_time"`
	Description       string          `json:"description,omitempty"`
}

// DurationMinutes returns the average service time, or def when unset.
func (o ServiceOffering) DurationMinutes(def int) int {
	if o.AvgServiceMinutes > 0 {
		return o.AvgServiceMinutes
	}
	return def
}

// Token is the sequential, per queue and date ticket number.
type Token int64

func (t Token) String() string {
	if t <= 0 {
		return ""
	}
	return fmt.Sprintf("T%03d", int64(t))
}

func (t Token) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Token) UnmarshalText(text []byte) error {
	raw := strings.TrimPrefix(string(text), "T")
	if raw == "" {
		*t = 0
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid token %q", text)
	}
	*t = Token(n)
	return nil
}

type QueueEntry struct {
	ID                   string      `json:"id"`
	UserID               string      `json:"user_id"`
	QueueID              string      `json:"queue_id"`
	QueueDate            string      `json:"queue_date"`
	Token                Token       `json:"token_number"`
	Status               EntryStatus `json:"status"`
	Priority             bool        `json:"priority"`
	TurnTime             int         `json:"turn_time"`
	EnqueueTime          *time.Time  `json:"enqueue_time,omitempty"`
	DequeueTime          *time.Time  `json:"dequeue_time,omitempty"`
	EstimatedEnqueueTime *time.Time  `json:"estimated_enqueue_time,omitempty"`
	EstimatedDequeueTime *time.Time  `json:"estimated_dequeue_time,omitempty"`
	IsScheduled          bool        `json:"is_scheduled"`
	Notes                string      `json:"notes,omitempty"`
	CancellationReason   string      `json:"cancellation_reason,omitempty"`
	RescheduleCount      int         `json:"reschedule_count"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// QueueLoad is the active load of one queue on one day.
type QueueLoad struct {
	Registered       int
	InProgress       int
	TotalTurnMinutes int
}

// CompletionSample is one finished entry used for the historical percentile.
type CompletionSample struct {
	QueueID     string
	QueueDate   string
	EnqueueTime time.Time
	DequeueTime time.Time
}

// WaitMinutes returns the realized wait of the sample in minutes.
func (s CompletionSample) WaitMinutes() float64 {
	return s.DequeueTime.Sub(s.EnqueueTime).Minutes()
}

// StatusChange describes a conditional status update of a queue entry.
type StatusChange struct {
	To                 EntryStatus
	EnqueueTime        *time.Time
	DequeueTime        *time.Time
	CancellationReason string
	Priority           *bool
}
