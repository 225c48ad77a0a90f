package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	appErrors "github.com/unclebandit/voicecampaign-backend/internal/errors"
	"github.com/unclebandit/voicecampaign-backend/internal/model"
	"github.com/unclebandit/voicecampaign-backend/internal/phone"
)

// MemoryStore is a Store kept in process memory. It backs STORE_DRIVER=memory
// and the service tests. Every method is atomic with respect to the others.
type MemoryStore struct {
	mu         sync.Mutex
	campaigns  map[int64]*model.Campaign
	calls      map[int64]*model.CampaignCall
	businesses map[int64]*model.Business
	nextID     int64
	Now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:  make(map[int64]*model.Campaign),
		calls:      make(map[int64]*model.CampaignCall),
		businesses: make(map[int64]*model.Business),
		Now:        time.Now,
	}
}

// PutBusiness registers or replaces a business.
func (m *MemoryStore) PutBusiness(b model.Business) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.businesses[b.ID] = &b
}

// PutCall overwrites a stored call. Tests use it to arrange fixtures.
func (m *MemoryStore) PutCall(c model.CampaignCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[c.ID] = copyCall(&c)
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func copyCampaign(c *model.Campaign) *model.Campaign {
	out := *c
	return &out
}

func copyCall(c *model.CampaignCall) *model.CampaignCall {
	out := *c
	if c.Context != nil {
		out.Context = make(model.Payload, len(c.Context))
		for k, v := range c.Context {
			out.Context[k] = v
		}
	}
	return &out
}

func hasStatus[S comparable](s S, set []S) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (m *MemoryStore) callsOf(campaignID int64) []*model.CampaignCall {
	out := []*model.CampaignCall{}
	for _, c := range m.calls {
		if c.CampaignID == campaignID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ====================== Campaigns ======================

func (m *MemoryStore) CreateCampaignWithCalls(_ context.Context, c *model.Campaign, calls []*model.CampaignCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now().UTC()
	c.ID = m.id()
	c.Status = model.CampaignPending
	c.CreatedAt = now
	c.TotalCalls = len(calls)
	m.campaigns[c.ID] = copyCampaign(c)

	for i, call := range calls {
		created := now.Add(time.Duration(i) * time.Microsecond)
		call.ID = m.id()
		call.CampaignID = c.ID
		call.Status = model.CallPending
		call.CreatedAt = created
		call.UpdatedAt = created
		m.calls[call.ID] = copyCall(call)
	}
	return nil
}

func (m *MemoryStore) GetCampaign(_ context.Context, id int64) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return copyCampaign(c), nil
}

func (m *MemoryStore) ListCampaigns(_ context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var filtered []*model.Campaign
	for _, c := range m.campaigns {
		if channel != "" && string(c.Channel) != channel {
			continue
		}
		if status != "" && string(c.Status) != status {
			continue
		}
		filtered = append(filtered, c)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID > filtered[j].ID })

	total := len(filtered)
	offset = clampOffset(offset, total)
	out := []*model.Campaign{}
	for i := offset; i < total && i-offset < limit; i++ {
		out = append(out, copyCampaign(filtered[i]))
	}
	return out, total, nil
}

func (m *MemoryStore) ListCampaignIDsByStatus(_ context.Context, status model.CampaignStatus) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []int64{}
	for id, c := range m.campaigns {
		if c.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) transition(id int64, t model.CampaignTransition, now time.Time) (*model.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	_, to, known := t.Rule()
	if !known {
		return nil, fmt.Errorf("unknown campaign transition %q", t)
	}
	if !t.Allows(c.Status) {
		return nil, appErrors.NewInvalidTransition(id, string(t), string(c.Status))
	}

	c.Status = to
	c.UpdatedAt = &now
	if to == model.CampaignRunning && c.StartedAt == nil {
		started := now
		c.StartedAt = &started
	}
	if to.IsTerminal() {
		done := now
		c.CompletedAt = &done
	}
	return copyCampaign(c), nil
}

func (m *MemoryStore) TransitionCampaign(_ context.Context, id int64, t model.CampaignTransition, now time.Time) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, t, now)
}

func (m *MemoryStore) CancelCampaign(_ context.Context, id int64, now time.Time) (*model.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.transition(id, model.TransitionCancel, now)
	if err != nil {
		return nil, 0, err
	}
	skipped := 0
	for _, call := range m.calls {
		if call.CampaignID == id && (call.Status == model.CallPending || call.Status == model.CallQueued) {
			call.Status = model.CallSkipped
			done := now
			call.CompletedAt = &done
			call.UpdatedAt = now
			skipped++
		}
	}
	return c, skipped, nil
}

func (m *MemoryStore) RecomputeAggregates(_ context.Context, campaignID int64) (model.Aggregates, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[campaignID]
	if !ok {
		return model.Aggregates{}, appErrors.NewCampaignNotFound(campaignID)
	}
	var a model.Aggregates
	for _, call := range m.calls {
		if call.CampaignID != campaignID {
			continue
		}
		a.TotalCalls++
		if hasStatus(call.Status, model.ReachedCallStatuses) {
			a.CompletedCalls++
		}
		if call.Status == model.CallFailed {
			a.FailedCalls++
		}
		if call.Outcome != nil && hasStatus(*call.Outcome, model.SuccessfulOutcomes) {
			a.SuccessfulCalls++
		}
	}
	c.CompletedCalls = a.CompletedCalls
	c.FailedCalls = a.FailedCalls
	c.SuccessfulCalls = a.SuccessfulCalls
	c.TotalCalls = a.TotalCalls
	now := m.Now()
	c.UpdatedAt = &now
	return a, nil
}

// ====================== Calls ======================

func (m *MemoryStore) GetCampaignCall(_ context.Context, id int64) (*model.CampaignCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, appErrors.NewCampaignCallNotFound(id)
	}
	return copyCall(c), nil
}

func (m *MemoryStore) CountCampaignCalls(_ context.Context, campaignID int64, statuses ...model.CallStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.CampaignID == campaignID && (len(statuses) == 0 || hasStatus(c.Status, statuses)) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountCallsByStatus(_ context.Context, campaignID int64) (map[model.CallStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := map[model.CallStatus]int{}
	for _, c := range m.calls {
		if c.CampaignID == campaignID {
			stats[c.Status]++
		}
	}
	return stats, nil
}

func (m *MemoryStore) ListCampaignCalls(_ context.Context, campaignID int64, f model.CallFilter) ([]*model.CampaignCall, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var filtered []*model.CampaignCall
	for _, c := range m.callsOf(campaignID) {
		if len(f.Statuses) > 0 && !hasStatus(c.Status, f.Statuses) {
			continue
		}
		if f.Outcome != nil && (c.Outcome == nil || *c.Outcome != *f.Outcome) {
			continue
		}
		filtered = append(filtered, c)
	}

	total := len(filtered)
	offset := clampOffset(f.Offset, total)
	end := total
	if f.Limit > 0 && f.Limit < end-offset {
		end = offset + f.Limit
	}
	out := []*model.CampaignCall{}
	for i := offset; i < end; i++ {
		out = append(out, copyCall(filtered[i]))
	}
	return out, total, nil
}

func (m *MemoryStore) ClaimPendingCalls(_ context.Context, campaignID int64, limit, maxActive int, now time.Time) ([]*model.CampaignCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.campaigns[campaignID]; !ok {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}

	calls := m.callsOf(campaignID)
	active := 0
	for _, c := range calls {
		if hasStatus(c.Status, model.ActiveCallStatuses) {
			active++
		}
	}
	if room := maxActive - active; room < limit {
		limit = room
	}

	claimed := []*model.CampaignCall{}
	for _, c := range calls {
		if len(claimed) >= limit {
			break
		}
		if c.Status != model.CallPending {
			continue
		}
		c.Status = model.CallQueued
		c.UpdatedAt = now
		claimed = append(claimed, copyCall(c))
	}
	return claimed, nil
}

func clampOffset(offset, total int) int {
	if offset < 0 {
		return 0
	}
	if offset > total {
		return total
	}
	return offset
}

// update applies fn to call id when its status is from.
func (m *MemoryStore) update(id int64, from model.CallStatus, fn func(c *model.CampaignCall)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok || c.Status != from {
		return false
	}
	fn(c)
	return true
}

func (m *MemoryStore) MarkCallInProgress(_ context.Context, id int64, correlationID string, now time.Time) (bool, error) {
	return m.update(id, model.CallQueued, func(c *model.CampaignCall) {
		c.Status = model.CallInProgress
		corr := correlationID
		c.VendorCorrelationID = &corr
		started := now
		c.StartedAt = &started
		c.UpdatedAt = now
	}), nil
}

func (m *MemoryStore) RequeueCall(_ context.Context, id int64, note string, now time.Time) (bool, error) {
	return m.update(id, model.CallQueued, func(c *model.CampaignCall) {
		c.Status = model.CallPending
		c.RetryCount++
		c.Notes = appendNote(c.Notes, note)
		c.UpdatedAt = now
	}), nil
}

func (m *MemoryStore) ReleaseCall(_ context.Context, id int64, now time.Time) (bool, error) {
	return m.update(id, model.CallQueued, func(c *model.CampaignCall) {
		c.Status = model.CallPending
		c.UpdatedAt = now
	}), nil
}

func (m *MemoryStore) ReleaseStaleClaims(_ context.Context, campaignID int64, claimedBefore, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	for _, c := range m.callsOf(campaignID) {
		if c.Status != model.CallQueued || !c.UpdatedAt.Before(claimedBefore) {
			continue
		}
		c.Status = model.CallPending
		c.Notes = appendNote(c.Notes, staleClaimNote)
		c.UpdatedAt = now
		released++
	}
	return released, nil
}

func (m *MemoryStore) FailCall(_ context.Context, id int64, note string, now time.Time) (bool, error) {
	return m.update(id, model.CallQueued, func(c *model.CampaignCall) {
		c.Status = model.CallFailed
		c.Notes = appendNote(c.Notes, note)
		done := now
		c.CompletedAt = &done
		c.UpdatedAt = now
	}), nil
}

func (m *MemoryStore) FinalizeCall(_ context.Context, id int64, f model.Finalization) (bool, error) {
	return m.update(id, model.CallInProgress, func(c *model.CampaignCall) {
		c.Status = f.Status
		c.Outcome = f.Outcome
		c.PromiseDate = f.PromiseDate
		c.PromiseAmount = f.PromiseAmount
		c.Transcript = f.Transcript
		c.Summary = f.Summary
		c.EndReason = f.EndReason
		c.DurationSeconds = f.DurationSeconds
		done := f.CompletedAt
		c.CompletedAt = &done
		c.UpdatedAt = f.CompletedAt
	}), nil
}

func (m *MemoryStore) FindCampaignCallByCorrelationID(_ context.Context, correlationID string) (*model.CampaignCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *model.CampaignCall
	for _, c := range m.calls {
		if c.VendorCorrelationID != nil && *c.VendorCorrelationID == correlationID {
			if found == nil || c.ID > found.ID {
				found = c
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	return copyCall(found), nil
}

func (m *MemoryStore) FindCandidateCallsByPhoneSuffix(_ context.Context, since time.Time, suffix string) ([]*model.CampaignCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.CampaignCall{}
	if strings.TrimSpace(suffix) == "" {
		return out, nil
	}
	for _, c := range m.calls {
		if c.Status != model.CallInProgress || c.UpdatedAt.Before(since) {
			continue
		}
		if phone.MatchesSuffix(c.Phone, suffix) {
			out = append(out, copyCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetBusiness(_ context.Context, id int64) (*model.Business, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.businesses[id]
	if !ok {
		return nil, nil
	}
	out := *b
	return &out, nil
}

var _ Store = (*MemoryStore)(nil)
