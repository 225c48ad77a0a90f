package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/unclebandit/voicecampaign-backend/internal/model"
)

// BusinessRepository reads the owning business of a campaign.
type BusinessRepository struct {
	DB *sql.DB
}

// GetBusiness returns nil, nil when the business does not exist.
func (r *BusinessRepository) GetBusiness(ctx context.Context, id int64) (*model.Business, error) {
	query := `
        SELECT id, name, COALESCE(vendor_phone_number_id, '')
        FROM businesses
        WHERE id = $1
    `
	var b model.Business
	if err := r.DB.QueryRowContext(ctx, query, id).Scan(&b.ID, &b.Name, &b.VendorPhoneNumberID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // not found
		}
		return nil, fmt.Errorf("get business %d: %w", id, err)
	}
	return &b, nil
}

var _ BusinessRepositoryInterface = (*BusinessRepository)(nil)
