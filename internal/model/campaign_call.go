// internal/model/campaign_call.go
package model

import "time"

type CallStatus string

const (
	CallPending    CallStatus = "PENDING"
	CallQueued     CallStatus = "QUEUED"
	CallInProgress CallStatus = "IN_PROGRESS"
	CallCompleted  CallStatus = "COMPLETED"
	CallFailed     CallStatus = "FAILED"
	CallNoAnswer   CallStatus = "NO_ANSWER"
	CallBusy       CallStatus = "BUSY"
	CallVoicemail  CallStatus = "VOICEMAIL"
	CallSkipped    CallStatus = "SKIPPED"
)

// ActiveCallStatuses occupy a concurrency slot.
var ActiveCallStatuses = []CallStatus{CallQueued, CallInProgress}

// OpenCallStatuses keep a campaign from completing.
var OpenCallStatuses = []CallStatus{CallPending, CallQueued, CallInProgress}

// TerminalCallStatuses are absorbing.
var TerminalCallStatuses = []CallStatus{CallCompleted, CallFailed, CallNoAnswer, CallBusy, CallVoicemail, CallSkipped}

// ReachedCallStatuses count as completed in campaign aggregates.
var ReachedCallStatuses = []CallStatus{CallCompleted, CallNoAnswer, CallBusy, CallVoicemail}

func (s CallStatus) IsTerminal() bool {
	for _, t := range TerminalCallStatuses {
		if s == t {
			return true
		}
	}
	return false
}

func (s CallStatus) Valid() bool {
	return s == CallPending || s == CallQueued || s == CallInProgress || s.IsTerminal()
}

type Outcome string

const (
	OutcomePaymentPromised   Outcome = "PAYMENT_PROMISED"
	OutcomePartialPayment    Outcome = "PARTIAL_PAYMENT"
	OutcomeRefused           Outcome = "REFUSED"
	OutcomeDisputed          Outcome = "DISPUTED"
	OutcomeCallbackRequested Outcome = "CALLBACK_REQUESTED"
	OutcomeNoResponse        Outcome = "NO_RESPONSE"
	OutcomeOther             Outcome = "OTHER"
)

// SuccessfulOutcomes count towards Campaign.SuccessfulCalls.
var SuccessfulOutcomes = []Outcome{OutcomePaymentPromised, OutcomePartialPayment}

func (o Outcome) Valid() bool {
	switch o {
	case OutcomePaymentPromised, OutcomePartialPayment, OutcomeRefused, OutcomeDisputed,
		OutcomeCallbackRequested, OutcomeNoResponse, OutcomeOther:
		return true
	}
	return false
}

// Payload is an opaque recipient/context blob. The core only forwards it.
type Payload map[string]any

// String returns the value under key when it is a string, or "".
func (p Payload) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

type CampaignCall struct {
	ID         int64 `db:"id" json:"id"`
	CampaignID int64 `db:"campaign_id" json:"campaign_id"`

	Phone         string  `db:"phone" json:"phone"`
	RecipientName string  `db:"recipient_name" json:"recipient_name"`
	Context       Payload `db:"context" json:"context,omitempty"`

	Status              CallStatus `db:"status" json:"status"`
	VendorCorrelationID *string    `db:"vendor_correlation_id" json:"vendor_correlation_id,omitempty"`

	Outcome         *Outcome   `db:"outcome" json:"outcome,omitempty"`
	PromiseDate     *time.Time `db:"promise_date" json:"promise_date,omitempty"`
	PromiseAmount   *float64   `db:"promise_amount" json:"promise_amount,omitempty"`
	Transcript      string     `db:"transcript" json:"transcript,omitempty"`
	Summary         string     `db:"summary" json:"summary,omitempty"`
	EndReason       string     `db:"end_reason" json:"end_reason,omitempty"`
	DurationSeconds int        `db:"duration_seconds" json:"duration_seconds"`

	RetryCount int    `db:"retry_count" json:"retry_count"`
	Notes      string `db:"notes" json:"notes,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Finalization is what the correlator writes when a call reaches a terminal state.
type Finalization struct {
	Status          CallStatus
	Outcome         *Outcome
	PromiseDate     *time.Time
	PromiseAmount   *float64
	Transcript      string
	Summary         string
	EndReason       string
	DurationSeconds int
	CompletedAt     time.Time
}

// CompletionEvent is a vendor end-of-call report. Either field used for
// correlation may be missing.
type CompletionEvent struct {
	CorrelationID   string `json:"correlation_id,omitempty"`
	PhoneNumber     string `json:"phone_number,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
	Transcript      string `json:"transcript"`
	Summary         string `json:"summary,omitempty"`
	EndReason       string `json:"end_reason"`
}

// CallFilter narrows CountCampaignCalls and ListCampaignCalls.
type CallFilter struct {
	Statuses []CallStatus
	Outcome  *Outcome
	Offset   int
	Limit    int
}
