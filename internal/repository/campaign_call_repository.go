package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/voicecampaign-backend/internal/errors"
	"github.com/unclebandit/voicecampaign-backend/internal/model"
)

type CampaignCallRepository struct {
	DB *sql.DB
}

const callColumns = `id, campaign_id, phone, recipient_name, context, status, vendor_correlation_id,
	outcome, promise_date, promise_amount, transcript, summary, end_reason, duration_seconds,
	retry_count, notes, created_at, started_at, completed_at, updated_at`

func scanCall(row rowScanner) (*model.CampaignCall, error) {
	var (
		c             model.CampaignCall
		ctxJSON       []byte
		correlationID sql.NullString
		outcome       sql.NullString
		promiseAmount sql.NullFloat64
	)
	err := row.Scan(
		&c.ID, &c.CampaignID, &c.Phone, &c.RecipientName, &ctxJSON, &c.Status, &correlationID,
		&outcome, &c.PromiseDate, &promiseAmount, &c.Transcript, &c.Summary, &c.EndReason, &c.DurationSeconds,
		&c.RetryCount, &c.Notes, &c.CreatedAt, &c.StartedAt, &c.CompletedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &c.Context); err != nil {
			return nil, fmt.Errorf("decode context of call %d: %w", c.ID, err)
		}
	}
	if correlationID.Valid {
		c.VendorCorrelationID = &correlationID.String
	}
	if outcome.Valid {
		o := model.Outcome(outcome.String)
		c.Outcome = &o
	}
	if promiseAmount.Valid {
		c.PromiseAmount = &promiseAmount.Float64
	}
	return &c, nil
}

func scanCalls(rows *sql.Rows) ([]*model.CampaignCall, error) {
	defer rows.Close()
	calls := []*model.CampaignCall{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// ====================== Queries ======================

func (r *CampaignCallRepository) GetCampaignCall(ctx context.Context, id int64) (*model.CampaignCall, error) {
	c, err := scanCall(r.DB.QueryRowContext(ctx, `SELECT `+callColumns+` FROM campaign_calls WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignCallNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignCallRepository) CountCampaignCalls(ctx context.Context, campaignID int64, statuses ...model.CallStatus) (int, error) {
	var n int
	var err error
	if len(statuses) == 0 {
		err = r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_calls WHERE campaign_id=$1`, campaignID).Scan(&n)
	} else {
		err = r.DB.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM campaign_calls WHERE campaign_id=$1 AND status = ANY($2)`,
			campaignID, pq.Array(statusStrings(statuses)),
		).Scan(&n)
	}
	return n, err
}

func (r *CampaignCallRepository) CountCallsByStatus(ctx context.Context, campaignID int64) (map[model.CallStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM campaign_calls WHERE campaign_id=$1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[model.CallStatus]int{}
	for rows.Next() {
		var status model.CallStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *CampaignCallRepository) ListCampaignCalls(ctx context.Context, campaignID int64, f model.CallFilter) ([]*model.CampaignCall, int, error) {
	where := ` WHERE campaign_id=$1`
	args := []interface{}{campaignID}
	argPos := 2

	if len(f.Statuses) > 0 {
		where += fmt.Sprintf(" AND status = ANY($%d)", argPos)
		args = append(args, pq.Array(statusStrings(f.Statuses)))
		argPos++
	}
	if f.Outcome != nil {
		where += fmt.Sprintf(" AND outcome=$%d", argPos)
		args = append(args, string(*f.Outcome))
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_calls`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + callColumns + ` FROM campaign_calls` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argPos, argPos+1)
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	calls, err := scanCalls(rows)
	return calls, total, err
}

func (r *CampaignCallRepository) FindCampaignCallByCorrelationID(ctx context.Context, correlationID string) (*model.CampaignCall, error) {
	c, err := scanCall(r.DB.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM campaign_calls WHERE vendor_correlation_id=$1 ORDER BY id DESC LIMIT 1`,
		correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (r *CampaignCallRepository) FindCandidateCallsByPhoneSuffix(ctx context.Context, since time.Time, suffix string) ([]*model.CampaignCall, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+callColumns+`
        FROM campaign_calls
        WHERE status='IN_PROGRESS' AND updated_at >= $1 AND phone LIKE '%' || $2
        ORDER BY id
    `, since, suffix)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

// ====================== Claims and transitions ======================

func (r *CampaignCallRepository) ClaimPendingCalls(ctx context.Context, campaignID int64, limit, maxActive int, now time.Time) ([]*model.CampaignCall, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The campaign row lock serialises claim passes of one campaign so the
	// active count below cannot go stale before the claim commits.
	var locked int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM campaigns WHERE id=$1 FOR UPDATE`, campaignID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(campaignID)
		}
		return nil, err
	}

	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaign_calls WHERE campaign_id=$1 AND status IN ('QUEUED', 'IN_PROGRESS')`,
		campaignID).Scan(&active); err != nil {
		return nil, err
	}
	if room := maxActive - active; room < limit {
		limit = room
	}
	if limit <= 0 {
		return nil, tx.Commit()
	}

	rows, err := tx.QueryContext(ctx, `
        UPDATE campaign_calls
        SET status='QUEUED', updated_at=$3
        WHERE id IN (
            SELECT id FROM campaign_calls
            WHERE campaign_id=$1 AND status='PENDING'
            ORDER BY created_at, id
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        ) AND status='PENDING'
        RETURNING `+callColumns, campaignID, limit, now)
	if err != nil {
		return nil, err
	}
	claimed, err := scanCalls(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].ID < claimed[j].ID
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})
	return claimed, nil
}

func (r *CampaignCallRepository) execConditional(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *CampaignCallRepository) MarkCallInProgress(ctx context.Context, id int64, correlationID string, now time.Time) (bool, error) {
	return r.execConditional(ctx, `
        UPDATE campaign_calls
        SET status='IN_PROGRESS', vendor_correlation_id=$2, started_at=$3, updated_at=$3
        WHERE id=$1 AND status='QUEUED'
    `, id, correlationID, now)
}

func (r *CampaignCallRepository) RequeueCall(ctx context.Context, id int64, note string, now time.Time) (bool, error) {
	return r.execConditional(ctx, `
        UPDATE campaign_calls
        SET status='PENDING', retry_count=retry_count+1,
            notes = CASE WHEN notes = '' THEN $2 ELSE notes || E'\n' || $2 END,
            updated_at=$3
        WHERE id=$1 AND status='QUEUED'
    `, id, note, now)
}

func (r *CampaignCallRepository) ReleaseCall(ctx context.Context, id int64, now time.Time) (bool, error) {
	return r.execConditional(ctx, `
        UPDATE campaign_calls SET status='PENDING', updated_at=$2
        WHERE id=$1 AND status='QUEUED'
    `, id, now)
}

func (r *CampaignCallRepository) ReleaseStaleClaims(ctx context.Context, campaignID int64, claimedBefore, now time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaign_calls
        SET status='PENDING',
            notes = CASE WHEN notes = '' THEN $4 ELSE notes || E'\n' || $4 END,
            updated_at=$3
        WHERE campaign_id=$1 AND status='QUEUED' AND updated_at < $2
    `, campaignID, claimedBefore, now, staleClaimNote)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *CampaignCallRepository) FailCall(ctx context.Context, id int64, note string, now time.Time) (bool, error) {
	return r.execConditional(ctx, `
        UPDATE campaign_calls
        SET status='FAILED',
            notes = CASE WHEN notes = '' THEN $2 ELSE notes || E'\n' || $2 END,
            completed_at=$3, updated_at=$3
        WHERE id=$1 AND status='QUEUED'
    `, id, note, now)
}

func (r *CampaignCallRepository) FinalizeCall(ctx context.Context, id int64, f model.Finalization) (bool, error) {
	var outcome sql.NullString
	if f.Outcome != nil {
		outcome = sql.NullString{String: string(*f.Outcome), Valid: true}
	}
	var amount sql.NullFloat64
	if f.PromiseAmount != nil {
		amount = sql.NullFloat64{Float64: *f.PromiseAmount, Valid: true}
	}

	return r.execConditional(ctx, `
        UPDATE campaign_calls
        SET status=$2, outcome=$3, promise_date=$4, promise_amount=$5, transcript=$6,
            summary=$7, end_reason=$8, duration_seconds=$9, completed_at=$10, updated_at=$10
        WHERE id=$1 AND status='IN_PROGRESS'
    `, id, f.Status, outcome, f.PromiseDate, amount, f.Transcript, f.Summary, f.EndReason,
		f.DurationSeconds, f.CompletedAt)
}

var _ CampaignCallRepositoryInterface = (*CampaignCallRepository)(nil)
