package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/voicecampaign-backend/internal/classifier"
	"github.com/unclebandit/voicecampaign-backend/internal/model"
	"github.com/unclebandit/voicecampaign-backend/internal/repository"
	"github.com/unclebandit/voicecampaign-backend/internal/service"
	"github.com/unclebandit/voicecampaign-backend/internal/vendor"
)

// Wednesday afternoon.
var fixedNow = time.Date(2026, 10, 14, 15, 30, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

const (
	businessWithLine    int64 = 1
	businessWithoutLine int64 = 2
)

// fakeVendor records every request. fail, when set, decides the outcome of
// attempt n (1-based across all requests).
type fakeVendor struct {
	mu       sync.Mutex
	requests []vendor.CallRequest
	fail     func(n int, req vendor.CallRequest) error
}

func (f *fakeVendor) PlaceCall(_ context.Context, req vendor.CallRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	fail := f.fail
	f.mu.Unlock()

	if fail != nil {
		if err := fail(n, req); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("corr-%d", n), nil
}

func (f *fakeVendor) Requests() []vendor.CallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vendor.CallRequest(nil), f.requests...)
}

type fakeRescheduler struct {
	mu  sync.Mutex
	ids []int64
}

func (r *fakeRescheduler) Reschedule(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return true
}

func (r *fakeRescheduler) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

type fakeAdvancer struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (a *fakeAdvancer) Advance(_ context.Context, id int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, id)
	return a.err
}

func (a *fakeAdvancer) IDs() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.ids...)
}

type testEnv struct {
	store      *repository.MemoryStore
	vendor     *fakeVendor
	resched    *fakeRescheduler
	advancer   *fakeAdvancer
	dispatcher *service.Dispatcher
	scheduler  *service.Scheduler
	correlator *service.Correlator
	svc        *service.CampaignService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zap.NewNop()

	store := repository.NewMemoryStore()
	store.Now = clock
	store.PutBusiness(model.Business{ID: businessWithLine, Name: "Acme Collections", VendorPhoneNumberID: "pn_acme"})
	store.PutBusiness(model.Business{ID: businessWithoutLine, Name: "No Line Ltd"})

	env := &testEnv{
		store:    store,
		vendor:   &fakeVendor{},
		resched:  &fakeRescheduler{},
		advancer: &fakeAdvancer{},
	}
	env.dispatcher = &service.Dispatcher{
		Store:  store,
		Vendor: env.vendor,
		Script: service.TemplateScriptContext{},
		Log:    log,
		Now:    clock,
	}
	env.scheduler = env.newScheduler()
	env.correlator = &service.Correlator{
		Store:        store,
		Classifier:   &classifier.KeywordClassifier{Now: clock},
		Advancer:     env.advancer,
		Log:          log,
		Now:          clock,
		Window:       24 * time.Hour,
		SuffixDigits: 9,
	}
	env.svc = service.NewCampaignService(store, env.advancer, nil, log, "US")
	env.svc.Now = clock
	return env
}

// newScheduler returns an independent scheduler over the same store, like a
// second worker process would have.
func (e *testEnv) newScheduler() *service.Scheduler {
	return &service.Scheduler{
		Store:       e.store,
		Dispatcher:  e.dispatcher,
		Rescheduler: e.resched,
		Log:         zap.NewNop(),
		Now:         clock,
	}
}

type campaignOpts struct {
	business      int64
	maxConcurrent int
	delaySeconds  int
	maxRetries    int
}

func defaultOpts() campaignOpts {
	return campaignOpts{business: businessWithLine, maxConcurrent: 2, maxRetries: 2}
}

func phones(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("+1415555%04d", 101+i)
	}
	return out
}

func (e *testEnv) createCampaign(t *testing.T, o campaignOpts, recipients ...string) *model.Campaign {
	t.Helper()
	in := service.CreateCampaignInput{
		BusinessID:                o.business,
		Name:                      "October reminders",
		MaxConcurrent:             &o.maxConcurrent,
		InterDispatchDelaySeconds: &o.delaySeconds,
		MaxRetriesPerCall:         &o.maxRetries,
		ScriptContext:             "Hi {name}, a reminder about {amount} {currency}.",
	}
	for i, p := range recipients {
		in.Recipients = append(in.Recipients, service.RecipientInput{
			Phone:   p,
			Name:    fmt.Sprintf("Recipient %d", i+1),
			Context: model.Payload{"amount": 120.0, "currency": "USD"},
		})
	}
	c, err := e.svc.CreateCampaign(context.Background(), in)
	require.NoError(t, err)
	return c
}

// runningCampaign creates a campaign and moves it to RUNNING without
// triggering a pass.
func (e *testEnv) runningCampaign(t *testing.T, o campaignOpts, recipients ...string) *model.Campaign {
	t.Helper()
	c := e.createCampaign(t, o, recipients...)
	c, err := e.store.TransitionCampaign(context.Background(), c.ID, model.TransitionStart, fixedNow)
	require.NoError(t, err)
	return c
}

func (e *testEnv) calls(t *testing.T, campaignID int64) []*model.CampaignCall {
	t.Helper()
	calls, _, err := e.store.ListCampaignCalls(context.Background(), campaignID, model.CallFilter{})
	require.NoError(t, err)
	return calls
}

func (e *testEnv) counts(t *testing.T, campaignID int64) map[model.CallStatus]int {
	t.Helper()
	counts, err := e.store.CountCallsByStatus(context.Background(), campaignID)
	require.NoError(t, err)
	return counts
}

func (e *testEnv) campaign(t *testing.T, id int64) *model.Campaign {
	t.Helper()
	c, err := e.store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	return c
}

// setStatus forces a call into status, as if it had got there on its own.
func (e *testEnv) setStatus(t *testing.T, call *model.CampaignCall, status model.CallStatus) {
	t.Helper()
	c := *call
	c.Status = status
	c.UpdatedAt = fixedNow
	if status == model.CallInProgress && c.VendorCorrelationID == nil {
		id := fmt.Sprintf("seed-%d", c.ID)
		c.VendorCorrelationID = &id
	}
	e.store.PutCall(c)
}
