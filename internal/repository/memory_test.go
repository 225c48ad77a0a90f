package repository_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/voicecampaign-backend/internal/errors"
	"github.com/unclebandit/voicecampaign-backend/internal/model"
	"github.com/unclebandit/voicecampaign-backend/internal/repository"
)

var now = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *repository.MemoryStore, n int) *model.Campaign {
	t.Helper()
	c := &model.Campaign{BusinessID: 1, Name: "Reminders", Channel: model.ChannelPhone, MaxConcurrent: 3}
	calls := make([]*model.CampaignCall, n)
	for i := range calls {
		calls[i] = &model.CampaignCall{Phone: fmt.Sprintf("+1415555%04d", 101+i)}
	}
	require.NoError(t, s.CreateCampaignWithCalls(context.Background(), c, calls))
	return c
}

func newStore() *repository.MemoryStore {
	s := repository.NewMemoryStore()
	s.Now = func() time.Time { return now }
	return s
}

func TestCreateCampaignWithCalls(t *testing.T) {
	s := newStore()
	c := seed(t, s, 3)

	assert.Equal(t, model.CampaignPending, c.Status)
	assert.Equal(t, 3, c.TotalCalls)

	calls, total, err := s.ListCampaignCalls(context.Background(), c.ID, model.CallFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for i, call := range calls {
		assert.Equal(t, model.CallPending, call.Status)
		assert.Equal(t, c.ID, call.CampaignID)
		if i > 0 {
			assert.True(t, call.CreatedAt.After(calls[i-1].CreatedAt), "calls keep insertion order")
		}
	}
}

func TestClaimPendingCallsRespectsMaxActive(t *testing.T) {
	s := newStore()
	c := seed(t, s, 5)
	ctx := context.Background()

	first, err := s.ClaimPendingCalls(ctx, c.ID, 10, 3, now)
	require.NoError(t, err)
	require.Len(t, first, 3)
	for _, call := range first {
		assert.Equal(t, model.CallQueued, call.Status)
	}

	none, err := s.ClaimPendingCalls(ctx, c.ID, 10, 3, now)
	require.NoError(t, err)
	assert.Empty(t, none)

	ok, err := s.MarkCallInProgress(ctx, first[0].ID, "corr-a", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.FinalizeCall(ctx, first[0].ID, model.Finalization{Status: model.CallCompleted, CompletedAt: now})
	require.NoError(t, err)
	require.True(t, ok)

	next, err := s.ClaimPendingCalls(ctx, c.ID, 10, 3, now)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, first[2].ID+1, next[0].ID, "claims are FIFO")
}

func TestClaimPendingCallsConcurrent(t *testing.T) {
	s := newStore()
	c := seed(t, s, 50)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[int64]int{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.ClaimPendingCalls(ctx, c.ID, 4, 4, now)
			assert.NoError(t, err)
			mu.Lock()
			for _, call := range got {
				claimed[call.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 4)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "call %d claimed twice", id)
	}
}

func TestConditionalUpdates(t *testing.T) {
	s := newStore()
	c := seed(t, s, 1)
	ctx := context.Background()
	calls, _, _ := s.ListCampaignCalls(ctx, c.ID, model.CallFilter{})
	id := calls[0].ID

	ok, err := s.MarkCallInProgress(ctx, id, "corr-a", now)
	require.NoError(t, err)
	assert.False(t, ok, "PENDING call cannot go IN_PROGRESS")

	ok, _ = s.FinalizeCall(ctx, id, model.Finalization{Status: model.CallCompleted, CompletedAt: now})
	assert.False(t, ok)

	_, err = s.ClaimPendingCalls(ctx, c.ID, 1, 1, now)
	require.NoError(t, err)

	ok, _ = s.RequeueCall(ctx, id, "attempt 1 failed", now)
	require.True(t, ok)
	ok, _ = s.RequeueCall(ctx, id, "again", now)
	assert.False(t, ok, "requeue needs QUEUED")

	_, err = s.ClaimPendingCalls(ctx, c.ID, 1, 1, now)
	require.NoError(t, err)
	ok, _ = s.FailCall(ctx, id, "attempt 2 failed", now)
	require.True(t, ok)

	got, err := s.GetCampaignCall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "attempt 1 failed\nattempt 2 failed", got.Notes)
	require.NotNil(t, got.CompletedAt)
}

func TestTransitionCampaign(t *testing.T) {
	s := newStore()
	c := seed(t, s, 1)
	ctx := context.Background()

	running, err := s.TransitionCampaign(ctx, c.ID, model.TransitionStart, now)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignRunning, running.Status)
	require.NotNil(t, running.StartedAt)

	_, err = s.TransitionCampaign(ctx, c.ID, model.TransitionResume, now)
	var invalid *appErrors.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "RUNNING", invalid.From)

	done, err := s.TransitionCampaign(ctx, c.ID, model.TransitionComplete, now)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	_, err = s.TransitionCampaign(ctx, 999, model.TransitionStart, now)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestCancelCampaignSkipsOpenCalls(t *testing.T) {
	s := newStore()
	c := seed(t, s, 4)
	ctx := context.Background()

	claimed, err := s.ClaimPendingCalls(ctx, c.ID, 2, 3, now)
	require.NoError(t, err)
	_, err = s.MarkCallInProgress(ctx, claimed[0].ID, "corr-a", now)
	require.NoError(t, err)

	cancelled, skipped, err := s.CancelCampaign(ctx, c.ID, now)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCancelled, cancelled.Status)
	assert.Equal(t, 3, skipped)

	counts, err := s.CountCallsByStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.CallSkipped])
	assert.Equal(t, 1, counts[model.CallInProgress])

	_, _, err = s.CancelCampaign(ctx, c.ID, now)
	var invalid *appErrors.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

func TestRecomputeAggregates(t *testing.T) {
	s := newStore()
	c := seed(t, s, 5)
	ctx := context.Background()

	promised := model.OutcomePaymentPromised
	refused := model.OutcomeRefused
	noResponse := model.OutcomeNoResponse
	finals := []model.Finalization{
		{Status: model.CallCompleted, Outcome: &promised, CompletedAt: now},
		{Status: model.CallCompleted, Outcome: &refused, CompletedAt: now},
		{Status: model.CallVoicemail, Outcome: &noResponse, CompletedAt: now},
		{Status: model.CallFailed, CompletedAt: now},
	}
	claimed, err := s.ClaimPendingCalls(ctx, c.ID, 4, 4, now)
	require.NoError(t, err)
	for i, f := range finals {
		_, err := s.MarkCallInProgress(ctx, claimed[i].ID, fmt.Sprintf("corr-%d", i), now)
		require.NoError(t, err)
		ok, err := s.FinalizeCall(ctx, claimed[i].ID, f)
		require.NoError(t, err)
		require.True(t, ok)
	}

	agg, err := s.RecomputeAggregates(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Aggregates{CompletedCalls: 3, FailedCalls: 1, SuccessfulCalls: 1, TotalCalls: 5}, agg)

	stored, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.CompletedCalls)
	assert.Equal(t, 1, stored.SuccessfulCalls)
}

func TestFindCandidateCallsByPhoneSuffix(t *testing.T) {
	s := newStore()
	c := seed(t, s, 3)
	ctx := context.Background()

	claimed, err := s.ClaimPendingCalls(ctx, c.ID, 2, 3, now)
	require.NoError(t, err)
	for i, call := range claimed {
		_, err := s.MarkCallInProgress(ctx, call.ID, fmt.Sprintf("corr-%d", i), now)
		require.NoError(t, err)
	}

	found, err := s.FindCandidateCallsByPhoneSuffix(ctx, now.Add(-time.Hour), "155550101")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, claimed[0].ID, found[0].ID)

	found, err = s.FindCandidateCallsByPhoneSuffix(ctx, now.Add(-time.Hour), "155550103")
	require.NoError(t, err)
	assert.Empty(t, found, "PENDING calls are not candidates")

	found, err = s.FindCandidateCallsByPhoneSuffix(ctx, now.Add(time.Minute), "155550101")
	require.NoError(t, err)
	assert.Empty(t, found, "outside the window")

	byCorr, err := s.FindCampaignCallByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	require.NotNil(t, byCorr)
	assert.Equal(t, claimed[1].ID, byCorr.ID)

	missing, err := s.FindCampaignCallByCorrelationID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReleaseStaleClaims(t *testing.T) {
	s := newStore()
	c := seed(t, s, 3)
	ctx := context.Background()

	old, err := s.ClaimPendingCalls(ctx, c.ID, 1, 3, now.Add(-time.Hour))
	require.NoError(t, err)
	fresh, err := s.ClaimPendingCalls(ctx, c.ID, 1, 3, now)
	require.NoError(t, err)
	placed, err := s.ClaimPendingCalls(ctx, c.ID, 1, 3, now.Add(-time.Hour))
	require.NoError(t, err)
	ok, err := s.MarkCallInProgress(ctx, placed[0].ID, "corr-a", now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.ReleaseStaleClaims(ctx, c.ID, now.Add(-10*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetCampaignCall(ctx, old[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallPending, got.Status)
	assert.Equal(t, now, got.UpdatedAt)
	assert.Contains(t, got.Notes, "claim expired")

	got, err = s.GetCampaignCall(ctx, fresh[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallQueued, got.Status)

	got, err = s.GetCampaignCall(ctx, placed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallInProgress, got.Status, "only QUEUED rows expire")
}

func TestListOffsetsOutOfRange(t *testing.T) {
	s := newStore()
	c := seed(t, s, 3)
	ctx := context.Background()

	for _, offset := range []int{-20, 3, 1 << 62} {
		calls, total, err := s.ListCampaignCalls(ctx, c.ID, model.CallFilter{Offset: offset, Limit: 20})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		if offset < 0 {
			assert.Len(t, calls, 3)
		} else {
			assert.Empty(t, calls)
		}

		campaigns, total, err := s.ListCampaigns(ctx, offset, 20, "", "")
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		if offset < 0 {
			assert.Len(t, campaigns, 1)
		} else {
			assert.Empty(t, campaigns)
		}
	}
}
