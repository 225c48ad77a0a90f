package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/voicecampaign-backend/internal/errors"
	"github.com/unclebandit/voicecampaign-backend/internal/model"
)

type CampaignRepository struct {
	DB *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		CampaignRepository:     &CampaignRepository{DB: db},
		CampaignCallRepository: &CampaignCallRepository{DB: db},
		BusinessRepository:     &BusinessRepository{DB: db},
	}
}

const campaignColumns = `id, business_id, name, channel, max_concurrent, inter_dispatch_delay_seconds,
	max_retries_per_call, script_context, status, completed_calls, failed_calls, successful_calls,
	total_calls, created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(
		&c.ID, &c.BusinessID, &c.Name, &c.Channel, &c.MaxConcurrent, &c.InterDispatchDelaySeconds,
		&c.MaxRetriesPerCall, &c.ScriptContext, &c.Status, &c.CompletedCalls, &c.FailedCalls,
		&c.SuccessfulCalls, &c.TotalCalls, &c.CreatedAt, &c.StartedAt, &c.CompletedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) CreateCampaignWithCalls(ctx context.Context, c *model.Campaign, calls []*model.CampaignCall) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	c.CreatedAt = now
	c.Status = model.CampaignPending
	c.TotalCalls = len(calls)

	err = tx.QueryRowContext(ctx, `
        INSERT INTO campaigns (business_id, name, channel, max_concurrent, inter_dispatch_delay_seconds,
            max_retries_per_call, script_context, status, total_calls, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
        RETURNING id
    `, c.BusinessID, c.Name, c.Channel, c.MaxConcurrent, c.InterDispatchDelaySeconds,
		c.MaxRetriesPerCall, c.ScriptContext, c.Status, c.TotalCalls, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	// COPY keeps large recipient lists to one round trip.
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("campaign_calls",
		"campaign_id", "phone", "recipient_name", "context", "status", "retry_count", "created_at", "updated_at"))
	if err != nil {
		return fmt.Errorf("prepare call copy: %w", err)
	}
	for i, call := range calls {
		ctxJSON, err := json.Marshal(call.Context)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("encode call context: %w", err)
		}
		// Distinct created_at values keep FIFO order stable for the batch.
		created := now.Add(time.Duration(i) * time.Microsecond)
		call.CampaignID = c.ID
		call.Status = model.CallPending
		call.CreatedAt = created
		call.UpdatedAt = created
		if _, err := stmt.ExecContext(ctx, c.ID, call.Phone, call.RecipientName, string(ctxJSON),
			call.Status, 0, created, created); err != nil {
			stmt.Close()
			return fmt.Errorf("copy call: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush call copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *CampaignRepository) GetCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	where := ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if channel != "" {
		where += fmt.Sprintf(" AND channel=$%d", argPos)
		args = append(args, channel)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

func (r *CampaignRepository) ListCampaignIDsByStatus(ctx context.Context, status model.CampaignStatus) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM campaigns WHERE status=$1 ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ====================== State transitions ======================

const transitionUpdate = `
    UPDATE campaigns
    SET status=$2,
        updated_at=$4,
        started_at = CASE WHEN $2 = 'RUNNING' THEN COALESCE(started_at, $4) ELSE started_at END,
        completed_at = CASE WHEN $2 IN ('COMPLETED', 'CANCELLED', 'FAILED') THEN $4 ELSE completed_at END
    WHERE id=$1 AND status = ANY($3)
    RETURNING ` + campaignColumns

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *CampaignRepository) transition(ctx context.Context, q queryRower, id int64, t model.CampaignTransition, now time.Time) (*model.Campaign, error) {
	from, to, ok := t.Rule()
	if !ok {
		return nil, fmt.Errorf("unknown campaign transition %q", t)
	}

	c, err := scanCampaign(q.QueryRowContext(ctx, transitionUpdate, id, to, pq.Array(statusStrings(from)), now))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// Nothing updated: either the campaign is missing or in the wrong state.
	var current string
	err = q.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return nil, appErrors.NewInvalidTransition(id, string(t), current)
}

func (r *CampaignRepository) TransitionCampaign(ctx context.Context, id int64, t model.CampaignTransition, now time.Time) (*model.Campaign, error) {
	return r.transition(ctx, r.DB, id, t, now)
}

func (r *CampaignRepository) CancelCampaign(ctx context.Context, id int64, now time.Time) (*model.Campaign, int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	c, err := r.transition(ctx, tx, id, model.TransitionCancel, now)
	if err != nil {
		return nil, 0, err
	}

	res, err := tx.ExecContext(ctx, `
        UPDATE campaign_calls
        SET status='SKIPPED', completed_at=$2, updated_at=$2
        WHERE campaign_id=$1 AND status IN ('PENDING', 'QUEUED')
    `, id, now)
	if err != nil {
		return nil, 0, err
	}
	skipped, err := res.RowsAffected()
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return c, int(skipped), nil
}

func (r *CampaignRepository) RecomputeAggregates(ctx context.Context, campaignID int64) (model.Aggregates, error) {
	var a model.Aggregates
	err := r.DB.QueryRowContext(ctx, `
        UPDATE campaigns c
        SET total_calls = s.total,
            completed_calls = s.completed,
            failed_calls = s.failed,
            successful_calls = s.successful,
            updated_at = NOW()
        FROM (
            SELECT COUNT(*) AS total,
                   COUNT(*) FILTER (WHERE status = ANY($2)) AS completed,
                   COUNT(*) FILTER (WHERE status = 'FAILED') AS failed,
                   COUNT(*) FILTER (WHERE outcome = ANY($3)) AS successful
            FROM campaign_calls
            WHERE campaign_id = $1
        ) s
        WHERE c.id = $1
        RETURNING c.completed_calls, c.failed_calls, c.successful_calls, c.total_calls
    `, campaignID,
		pq.Array(statusStrings(model.ReachedCallStatuses)),
		pq.Array(statusStrings(model.SuccessfulOutcomes)),
	).Scan(&a.CompletedCalls, &a.FailedCalls, &a.SuccessfulCalls, &a.TotalCalls)
	if errors.Is(err, sql.ErrNoRows) {
		return a, appErrors.NewCampaignNotFound(campaignID)
	}
	return a, err
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
