// internal/model/campaign.go
package model

import "time"

type Channel string

const (
	ChannelPhone     Channel = "PHONE"
	ChannelMessaging Channel = "MESSAGING"
)

type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "PENDING"
	CampaignRunning   CampaignStatus = "RUNNING"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignCancelled CampaignStatus = "CANCELLED"
	CampaignFailed    CampaignStatus = "FAILED"
)

// IsTerminal reports whether no further transition is permitted.
func (s CampaignStatus) IsTerminal() bool {
	switch s {
	case CampaignCompleted, CampaignCancelled, CampaignFailed:
		return true
	}
	return false
}

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignPending, CampaignRunning, CampaignPaused,
		CampaignCompleted, CampaignCancelled, CampaignFailed:
		return true
	}
	return false
}

// CampaignTransition names an operation on the campaign state machine.
type CampaignTransition string

const (
	TransitionStart    CampaignTransition = "start"
	TransitionPause    CampaignTransition = "pause"
	TransitionResume   CampaignTransition = "resume"
	TransitionCancel   CampaignTransition = "cancel"
	TransitionComplete CampaignTransition = "complete"
	TransitionFail     CampaignTransition = "fail"
)

var campaignTransitions = map[CampaignTransition]struct {
	from []CampaignStatus
	to   CampaignStatus
}{
	TransitionStart:    {from: []CampaignStatus{CampaignPending, CampaignPaused}, to: CampaignRunning},
	TransitionPause:    {from: []CampaignStatus{CampaignRunning}, to: CampaignPaused},
	TransitionResume:   {from: []CampaignStatus{CampaignPaused}, to: CampaignRunning},
	TransitionCancel:   {from: []CampaignStatus{CampaignPending, CampaignRunning, CampaignPaused}, to: CampaignCancelled},
	TransitionComplete: {from: []CampaignStatus{CampaignRunning}, to: CampaignCompleted},
	TransitionFail:     {from: []CampaignStatus{CampaignPending, CampaignRunning}, to: CampaignFailed},
}

// Rule returns the statuses a transition may start from and the status it
// leads to. ok is false for an unknown transition.
func (t CampaignTransition) Rule() (from []CampaignStatus, to CampaignStatus, ok bool) {
	r, ok := campaignTransitions[t]
	if !ok {
		return nil, "", false
	}
	return append([]CampaignStatus(nil), r.from...), r.to, true
}

// Allows reports whether the transition may be applied to a campaign in status s.
func (t CampaignTransition) Allows(s CampaignStatus) bool {
	r, ok := campaignTransitions[t]
	if !ok {
		return false
	}
	for _, f := range r.from {
		if f == s {
			return true
		}
	}
	return false
}

type Campaign struct {
	ID         int64   `db:"id" json:"id"`
	BusinessID int64   `db:"business_id" json:"business_id"`
	Name       string  `db:"name" json:"name"`
	Channel    Channel `db:"channel" json:"channel"`

	MaxConcurrent             int    `db:"max_concurrent" json:"max_concurrent"`
	InterDispatchDelaySeconds int    `db:"inter_dispatch_delay_seconds" json:"inter_dispatch_delay_seconds"`
	MaxRetriesPerCall         int    `db:"max_retries_per_call" json:"max_retries_per_call"`
	ScriptContext             string `db:"script_context" json:"script_context"`

	Status CampaignStatus `db:"status" json:"status"`

	// Cached aggregates, always recomputed from the owned calls.
	CompletedCalls  int `db:"completed_calls" json:"completed_calls"`
	FailedCalls     int `db:"failed_calls" json:"failed_calls"`
	SuccessfulCalls int `db:"successful_calls" json:"successful_calls"`
	TotalCalls      int `db:"total_calls" json:"total_calls"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// InterDispatchDelay is the spacing between two dispatches of one pass.
func (c *Campaign) InterDispatchDelay() time.Duration {
	if c.InterDispatchDelaySeconds <= 0 {
		return 0
	}
	return time.Duration(c.InterDispatchDelaySeconds) * time.Second
}

// Aggregates is the recomputed view of a campaign's calls.
type Aggregates struct {
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	SuccessfulCalls int `json:"successful_calls"`
	TotalCalls      int `json:"total_calls"`
}
