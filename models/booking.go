package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Estimate is the wait-time estimate of one queue for one booking date.
type Estimate struct {
	QueueID                  string `json:"queue_id"`
	QueueName                string `json:"queue_name"`
	Position                 int    `json:"position"`
	EstimatedWaitMinutes     int    `json:"estimated_wait_minutes"`
	EstimatedWaitRange       string `json:"estimated_wait_range"`
	EstimatedAppointmentTime string `json:"estimated_appointment_time"`
	Available                bool   `json:"available"`
	Capacity                 int    `json:"capacity"`
	IsRecommended            bool   `json:"is_recommended"`

	WaitLow       int       `json:"-"`
	WaitHigh      int       `json:"-"`
	AppointmentAt time.Time `json:"-"`
}

type BookingPreview struct {
	BusinessID         string     `json:"business_id"`
	Date               string     `json:"date"`
	Queues             []Estimate `json:"queues"`
	RecommendedQueueID string     `json:"recommended_queue_id,omitempty"`
}

const (
	SlotAvailable   = "Available"
	SlotFillingFast = "Filling Fast"
	SlotFull        = "Full"
)

type AvailabilitySlot struct {
	QueueID                  string `json:"queue_id"`
	QueueName                string `json:"queue_name"`
	Date                     string `json:"date"`
	Available                bool   `json:"available"`
	CurrentPosition          int    `json:"current_position"`
	Capacity                 int    `json:"capacity"`
	EstimatedWaitMinutes     int    `json:"estimated_wait_minutes"`
	EstimatedAppointmentTime string `json:"estimated_appointment_time"`
	Status                   string `json:"status"`
}

type BookingRequest struct {
	UserID      string `json:"-"`
	BusinessID  string `json:"business_id"`
	QueueID     string `json:"queue_id,omitempty"`
	Date        string `json:"queue_date"`
	OfferingIDs []string `json:"service_ids"`
	Notes       string `json:"notes,omitempty"`
}

type ServiceLine struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Price           decimal.Decimal `json:"price"`
	DurationMinutes int             `json:"duration"`
}

const BookingConfirmed = "confirmed"

type BookingConfirmation struct {
	TicketID                 string        `json:"ticket_id"`
	Token                    string        `json:"token_number"`
	QueueID                  string        `json:"queue_id"`
	QueueName                string        `json:"queue_name"`
	BusinessID               string        `json:"business_id"`
	BusinessName             string        `json:"business_name"`
	Date                     string        `json:"queue_date"`
	Position                 int           `json:"position"`
	EstimatedWaitMinutes     int           `json:"estimated_wait_minutes"`
	EstimatedWaitRange       string        `json:"estimated_wait_range"`
	EstimatedAppointmentTime string        `json:"estimated_appointment_time"`
	Services                 []ServiceLine `json:"services"`
	IsScheduled              bool          `json:"is_scheduled"`
	Status                   string        `json:"status"`
	CreatedAt                time.Time     `json:"created_at"`
}

// QueueState is one queue in the business-wide live snapshot.
type QueueState struct {
	QueueID              string `json:"queue_id"`
	QueueName            string `json:"queue_name"`
	CurrentLength        int    `json:"current_length"`
	Limit                int    `json:"limit"`
	Available            bool   `json:"available"`
	CurrentToken         string `json:"current_token,omitempty"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
}

type BusinessState struct {
	BusinessID   string       `json:"business_id"`
	Date         string       `json:"date"`
	Queues       []QueueState `json:"queues"`
	TotalWaiting int          `json:"total_waiting"`
}

type TicketPosition struct {
	TicketID             string      `json:"ticket_id"`
	QueueID              string      `json:"queue_id"`
	Token                string      `json:"token_number"`
	Status               EntryStatus `json:"status"`
	Position             int         `json:"position"`
	EstimatedWaitMinutes int         `json:"estimated_wait_minutes"`
	Source               string      `json:"source"` // live or durable
}

// QueueUserDetail is a ticket with the display fields of its owner, queue
// and services.
type QueueUserDetail struct {
	QueueEntry
	FullName    string `json:"full_name"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	QueueName   string `json:"queue_name"`
	BusinessID  string `json:"business_id"`
	EmployeeID  string `json:"employee_id,omitempty"`
	Services    []string `json:"services"`
}

type EntryFilter struct {
	BusinessID string
	QueueID    string
	EmployeeID string
	Search     string
	Page       int
	Limit      int
}

// Normalize fills in paging defaults.
func (f *EntryFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 20
	}
}

type QueueUserRow struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	FullName    string      `json:"full_name"`
	Email       string      `json:"email,omitempty"`
	PhoneNumber string      `json:"phone_number,omitempty"`
	QueueID     string      `json:"queue_id"`
	QueueName   string      `json:"queue_name"`
	QueueDate   string      `json:"queue_date"`
	Token       Token       `json:"token_number"`
	Status      EntryStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

type EntryPage struct {
	Items []QueueUserRow `json:"items"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}
