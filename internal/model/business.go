// internal/model/business.go
package model

// Business owns campaigns. VendorPhoneNumberID is the telephony identity
// calls are placed from; campaigns of a business without one cannot run.
type Business struct {
	ID                  int64  `db:"id" json:"id"`
	Name                string `db:"name" json:"name"`
	VendorPhoneNumberID string `db:"vendor_phone_number_id" json:"vendor_phone_number_id,omitempty"`
}
