package repository

import (
	"context"
	"time"

	"github.com/unclebandit/voicecampaign-backend/internal/model"
)

type CampaignRepositoryInterface interface {
	// CreateCampaignWithCalls inserts the campaign and all its calls atomically.
	CreateCampaignWithCalls(ctx context.Context, c *model.Campaign, calls []*model.CampaignCall) error
	GetCampaign(ctx context.Context, id int64) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error)
	ListCampaignIDsByStatus(ctx context.Context, status model.CampaignStatus) ([]int64, error)

	// TransitionCampaign applies t only if the campaign is in one of the
	// transition's source states. Otherwise it returns InvalidTransitionError
	// (or a not-found error) and mutates nothing.
	TransitionCampaign(ctx context.Context, id int64, t model.CampaignTransition, now time.Time) (*model.Campaign, error)
	// CancelCampaign cancels and skips every PENDING/QUEUED call in one transaction.
	CancelCampaign(ctx context.Context, id int64, now time.Time) (*model.Campaign, int, error)
	// RecomputeAggregates recounts the campaign's calls and stores the result.
	RecomputeAggregates(ctx context.Context, campaignID int64) (model.Aggregates, error)
}

type CampaignCallRepositoryInterface interface {
	GetCampaignCall(ctx context.Context, id int64) (*model.CampaignCall, error)
	CountCampaignCalls(ctx context.Context, campaignID int64, statuses ...model.CallStatus) (int, error)
	CountCallsByStatus(ctx context.Context, campaignID int64) (map[model.CallStatus]int, error)
	ListCampaignCalls(ctx context.Context, campaignID int64, f model.CallFilter) ([]*model.CampaignCall, int, error)

	// ClaimPendingCalls moves up to limit PENDING calls to QUEUED in FIFO
	// order, never letting QUEUED+IN_PROGRESS exceed maxActive. Each claim
	// is conditional on the row still being PENDING.
	ClaimPendingCalls(ctx context.Context, campaignID int64, limit, maxActive int, now time.Time) ([]*model.CampaignCall, error)

	// The methods below report false when the row was not in the expected
	// source state (someone else got there first).
	MarkCallInProgress(ctx context.Context, id int64, correlationID string, now time.Time) (bool, error)
	RequeueCall(ctx context.Context, id int64, note string, now time.Time) (bool, error)
	ReleaseCall(ctx context.Context, id int64, now time.Time) (bool, error)
	FailCall(ctx context.Context, id int64, note string, now time.Time) (bool, error)
	// ReleaseStaleClaims returns to PENDING the campaign's QUEUED calls last
	// updated before claimedBefore, i.e. claims whose pass never finished.
	ReleaseStaleClaims(ctx context.Context, campaignID int64, claimedBefore, now time.Time) (int, error)
	FinalizeCall(ctx context.Context, id int64, f model.Finalization) (bool, error)

	// FindCampaignCallByCorrelationID returns nil, nil when nothing matches.
	FindCampaignCallByCorrelationID(ctx context.Context, correlationID string) (*model.CampaignCall, error)
	// FindCandidateCallsByPhoneSuffix lists IN_PROGRESS calls, across
	// campaigns, updated since the given time whose phone ends in suffix.
	FindCandidateCallsByPhoneSuffix(ctx context.Context, since time.Time, suffix string) ([]*model.CampaignCall, error)
}

type BusinessRepositoryInterface interface {
	GetBusiness(ctx context.Context, id int64) (*model.Business, error)
}

// Store is everything the campaign core consumes.
type Store interface {
	CampaignRepositoryInterface
	CampaignCallRepositoryInterface
	BusinessRepositoryInterface
}

// PostgresStore bundles the postgres repositories into a Store.
type PostgresStore struct {
	*CampaignRepository
	*CampaignCallRepository
	*BusinessRepository
}

var _ Store = (*PostgresStore)(nil)

func statusStrings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

const staleClaimNote = "claim expired before dispatch, returned to PENDING"

// appendNote adds a line to a call's human-readable history.
func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}
