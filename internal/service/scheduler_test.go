package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/voicecampaign-backend/internal/errors"
	"github.com/unclebandit/voicecampaign-backend/internal/metrics"
	"github.com/unclebandit/voicecampaign-backend/internal/model"
	"github.com/unclebandit/voicecampaign-backend/internal/vendor"
)

func TestAdvanceClaimsUpToMaxConcurrent(t *testing.T) {
	env := newTestEnv(t)
	c := env.runningCampaign(t, defaultOpts(), phones(5)...)

	require.NoError(t, env.scheduler.Advance(context.Background(), c.ID))

	counts := env.counts(t, c.ID)
	assert.Equal(t, 2, counts[model.CallInProgress])
	assert.Equal(t, 3, counts[model.CallPending])
	assert.Len(t, env.vendor.Requests(), 2)
	assert.Equal(t, 1, env.resched.Count())

	// FIFO: the first two recipients went out first.
	reqs := env.vendor.Requests()
	assert.Equal(t, "+14155550101", reqs[0].Phone)
	assert.Equal(t, "+14155550102", reqs[1].Phone)
	assert.Equal(t, "pn_acme", reqs[0].PhoneNumberID)
	assert.Equal(t, "Hi Recipient 1, a reminder about 120 USD.", reqs[0].Context["first_message"])
}

func TestAdvanceSaturatedReschedules(t *testing.T) {
	env := newTestEnv(t)
	c := env.runningCampaign(t, defaultOpts(), phones(3)...)
	ctx := context.Background()

	require.NoError(t, env.scheduler.Advance(ctx, c.ID))
	require.NoError(t, env.scheduler.Advance(ctx, c.ID))

	assert.Len(t, env.vendor.Requests(), 2)
	assert.Equal(t, 1, env.counts(t, c.ID)[model.CallPending])
	assert.Equal(t, 2, env.resched.Count())
}

func TestConcurrentAdvanceRespectsCapacity(t *testing.T) {
	env := newTestEnv(t)
	o := defaultOpts()
	o.maxConcurrent = 3
	c := env.runningCampaign(t, o, phones(20)...)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		s := env.newScheduler()
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Advance(context.Background(), c.ID))
		}()
	}
	wg.Wait()

	counts := env.counts(t, c.ID)
	assert.LessOrEqual(t, counts[model.CallQueued]+counts[model.CallInProgress], 3)
	assert.Equal(t, 17, counts[model.CallPending])

	// No recipient was dialled twice.
	seen := map[string]bool{}
	for _, req := range env.vendor.Requests() {
		assert.False(t, seen[req.Phone], "dialled %s twice", req.Phone)
		seen[req.Phone] = true
	}
}

func TestAdvanceIgnoresCampaignNotRunning(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCampaign(t, defaultOpts(), phones(2)...)

	require.NoError(t, env.scheduler.Advance(context.Background(), c.ID))

	assert.Empty(t, env.vendor.Requests())
	assert.Equal(t, 2, env.counts(t, c.ID)[model.CallPending])
	assert.Equal(t, 0, env.resched.Count())
}

func TestAdvanceUnknownCampaign(t *testing.T) {
	env := newTestEnv(t)
	err := env.scheduler.Advance(context.Background(), 999)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestAdvanceWithoutTelephonyIdentityFailsCampaign(t *testing.T) {
	env := newTestEnv(t)
	o := defaultOpts()
	o.business = businessWithoutLine
	c := env.runningCampaign(t, o, phones(2)...)

	err := env.scheduler.Advance(context.Background(), c.ID)

	var cfg *appErrors.ConfigurationError
	require.ErrorAs(t, err, &cfg)
	assert.Equal(t, model.CampaignFailed, env.campaign(t, c.ID).Status)
	assert.Equal(t, 2, env.counts(t, c.ID)[model.CallPending])
	assert.Empty(t, env.vendor.Requests())
}

func TestCampaignCompletesOnceAllCallsTerminal(t *testing.T) {
	env := newTestEnv(t)
	c := env.runningCampaign(t, defaultOpts(), phones(3)...)
	ctx := context.Background()
	calls := env.calls(t, c.ID)

	env.setStatus(t, calls[0], model.CallCompleted)
	env.setStatus(t, calls[1], model.CallInProgress)
	env.setStatus(t, calls[2], model.CallSkipped)

	require.NoError(t, env.scheduler.Advance(ctx, c.ID))
	assert.Equal(t, model.CampaignRunning, env.campaign(t, c.ID).Status, "open call must block completion")

	env.setStatus(t, calls[1], model.CallNoAnswer)
	require.NoError(t, env.scheduler.Advance(ctx, c.ID))

	done := env.campaign(t, c.ID)
	assert.Equal(t, model.CampaignCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, 3, done.TotalCalls)
	assert.Equal(t, 2, done.CompletedCalls)

	// A late pass is a no-op.
	require.NoError(t, env.scheduler.Advance(ctx, c.ID))
	again := env.campaign(t, c.ID)
	assert.Equal(t, model.CampaignCompleted, again.Status)
	assert.Equal(t, done.CompletedAt, again.CompletedAt)
}

func TestConcurrentPassesCompleteExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	c := env.runningCampaign(t, defaultOpts(), phones(2)...)
	for _, call := range env.calls(t, c.ID) {
		env.setStatus(t, call, model.CallCompleted)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		s := env.newScheduler()
		s.Metrics = m
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Advance(context.Background(), c.ID))
		}()
	}
	wg.Wait()

	assert.Equal(t, model.CampaignCompleted, env.campaign(t, c.ID).Status)
	assert.Equal(t, 1.0, counterValue(t, reg, "voicecampaign_campaign_transitions_total", "COMPLETED"))
}

// counterValue reads one labelled sample of a counter from reg.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRetryBound(t *testing.T) {
	env := newTestEnv(t)
	env.vendor.fail = func(int, vendor.CallRequest) error {
		return &appErrors.VendorError{StatusCode: 503, Message: "upstream unavailable", Retryable: true}
	}
	o := defaultOpts()
	o.maxRetries = 2
	c := env.runningCampaign(t, o, phones(1)...)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, env.scheduler.Advance(ctx, c.ID))
	}

	calls := env.calls(t, c.ID)
	require.Len(t, calls, 1)
	assert.Equal(t, model.CallFailed, calls[0].Status)
	assert.Equal(t, 2, calls[0].RetryCount)
	assert.Contains(t, calls[0].Notes, "attempt 1 failed")
	assert.Contains(t, calls[0].Notes, "dispatch failed after 3 attempts")
	assert.Len(t, env.vendor.Requests(), 3)

	done := env.campaign(t, c.ID)
	assert.Equal(t, model.CampaignCompleted, done.Status)
	assert.Equal(t, 1, done.FailedCalls)
}

func TestTerminalVendorErrorFailsWithoutRetry(t *testing.T) {
	env := newTestEnv(t)
	env.vendor.fail = func(int, vendor.CallRequest) error {
		return &appErrors.VendorError{StatusCode: 401, Message: "invalid api key"}
	}
	c := env.runningCampaign(t, defaultOpts(), phones(1)...)

	require.NoError(t, env.scheduler.Advance(context.Background(), c.ID))

	calls := env.calls(t, c.ID)
	assert.Equal(t, model.CallFailed, calls[0].Status)
	assert.Equal(t, 0, calls[0].RetryCount)
	assert.Contains(t, calls[0].Notes, "invalid api key")
	assert.Equal(t, 1, env.campaign(t, c.ID).FailedCalls)
}

func TestAdvanceReleasesClaimsWhenPausedMidPass(t *testing.T) {
	env := newTestEnv(t)
	o := defaultOpts()
	o.maxConcurrent = 3
	c := env.runningCampaign(t, o, phones(3)...)
	env.vendor.fail = func(n int, _ vendor.CallRequest) error {
		if n == 1 {
			_, err := env.store.TransitionCampaign(context.Background(), c.ID, model.TransitionPause, fixedNow)
			return err
		}
		return nil
	}

	require.NoError(t, env.scheduler.Advance(context.Background(), c.ID))

	counts := env.counts(t, c.ID)
	assert.Equal(t, 1, counts[model.CallInProgress])
	assert.Equal(t, 2, counts[model.CallPending])
	assert.Equal(t, 0, counts[model.CallQueued])
	for _, call := range env.calls(t, c.ID) {
		assert.Equal(t, 0, call.RetryCount)
	}
}

func TestInterDispatchDelaySpacesCalls(t *testing.T) {
	env := newTestEnv(t)
	o := defaultOpts()
	o.delaySeconds = 1
	c := env.runningCampaign(t, o, phones(2)...)

	start := time.Now()
	require.NoError(t, env.scheduler.Advance(context.Background(), c.ID))

	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.Len(t, env.vendor.Requests(), 2)
}

func TestCancelledContextReleasesRemainingClaims(t *testing.T) {
	env := newTestEnv(t)
	o := defaultOpts()
	o.delaySeconds = 5
	c := env.runningCampaign(t, o, phones(2)...)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := env.scheduler.Advance(ctx, c.ID)

	require.Error(t, err)
	counts := env.counts(t, c.ID)
	assert.Equal(t, 1, counts[model.CallInProgress])
	assert.Equal(t, 1, counts[model.CallPending])
}
