// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by every not-found error below via errors.Is.
var ErrNotFound = errors.New("not found")

// ErrCampaignNotFound is returned when a campaign id does not exist.
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func (e *ErrCampaignNotFound) Is(target error) bool { return target == ErrNotFound }

// Helper constructor
func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrCampaignCallNotFound is returned when a campaign call id does not exist.
type ErrCampaignCallNotFound struct {
	CallID int64
}

func (e *ErrCampaignCallNotFound) Error() string {
	return fmt.Sprintf("campaign call with ID %d not found", e.CallID)
}

func (e *ErrCampaignCallNotFound) Is(target error) bool { return target == ErrNotFound }

func NewCampaignCallNotFound(id int64) error {
	return &ErrCampaignCallNotFound{CallID: id}
}

// InvalidTransitionError rejects a state change synchronously. Nothing was mutated.
type InvalidTransitionError struct {
	CampaignID int64
	Transition string
	From       string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("campaign %d: cannot %s from status %s", e.CampaignID, e.Transition, e.From)
}

func NewInvalidTransition(campaignID int64, transition, from string) error {
	return &InvalidTransitionError{CampaignID: campaignID, Transition: transition, From: from}
}

// ConfigurationError is fatal for a campaign: it is moved to FAILED and no
// calls are attempted until an operator fixes the configuration.
type ConfigurationError struct {
	CampaignID int64
	Reason     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("campaign %d misconfigured: %s", e.CampaignID, e.Reason)
}

func NewConfigurationError(campaignID int64, reason string) error {
	return &ConfigurationError{CampaignID: campaignID, Reason: reason}
}

// VendorError is returned by the voice vendor client.
type VendorError struct {
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *VendorError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("vendor error (status %d): %s", e.StatusCode, msg)
	}
	return "vendor error: " + msg
}

func (e *VendorError) Unwrap() error { return e.Err }

// IsRetryable reports whether a dispatch failure may be retried. Errors that
// are not VendorErrors are treated as transient.
func IsRetryable(err error) bool {
	var ve *VendorError
	if errors.As(err, &ve) {
		return ve.Retryable
	}
	return err != nil
}

// ValidationError rejects caller input before anything is stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
