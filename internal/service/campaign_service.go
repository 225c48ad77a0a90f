// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/voicecampaign-backend/internal/errors"
	"github.com/unclebandit/voicecampaign-backend/internal/metrics"
	"github.com/unclebandit/voicecampaign-backend/internal/model"
	"github.com/unclebandit/voicecampaign-backend/internal/phone"
	"github.com/unclebandit/voicecampaign-backend/internal/repository"
)

const (
	defaultMaxConcurrent      = 1
	defaultInterDispatchDelay = 2
	defaultMaxRetriesPerCall  = 2
	maxRecipientsPerCampaign  = 10000

	defaultPageSize = 20
	maxPageSize     = 100
)

type CampaignService struct {
	Store         repository.Store
	Advancer      Advancer
	Validate      *validator.Validate
	Metrics       *metrics.Metrics
	Log           *zap.Logger
	DefaultRegion string
	Now           func() time.Time
}

func NewCampaignService(store repository.Store, advancer Advancer, m *metrics.Metrics, log *zap.Logger, region string) *CampaignService {
	return &CampaignService{
		Store:         store,
		Advancer:      advancer,
		Validate:      validator.New(),
		Metrics:       m,
		Log:           log,
		DefaultRegion: region,
		Now:           time.Now,
	}
}

type RecipientInput struct {
	Phone   string        `json:"phone" validate:"required"`
	Name    string        `json:"name" validate:"max=200"`
	Context model.Payload `json:"context"`
}

type CreateCampaignInput struct {
	BusinessID                int64            `json:"business_id" validate:"required,gt=0"`
	Name                      string           `json:"name" validate:"required,min=1,max=200"`
	Channel                   model.Channel    `json:"channel" validate:"omitempty,oneof=PHONE MESSAGING"`
	MaxConcurrent             *int             `json:"max_concurrent" validate:"omitempty,min=1,max=100"`
	InterDispatchDelaySeconds *int             `json:"inter_dispatch_delay_seconds" validate:"omitempty,min=0,max=3600"`
	MaxRetriesPerCall         *int             `json:"max_retries_per_call" validate:"omitempty,min=0,max=10"`
	ScriptContext             string           `json:"script_context"`
	Recipients                []RecipientInput `json:"recipients" validate:"required,min=1,dive"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

// CallListQuery filters ListCampaignCalls. Empty fields do not filter.
type CallListQuery struct {
	Status   string
	Outcome  string
	Page     int
	PageSize int
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func intOr(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}

func (s *CampaignService) validate(in any) error {
	if s.Validate == nil {
		s.Validate = validator.New()
	}
	err := s.Validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return appErrors.NewValidationError(fe.Namespace(), fmt.Sprintf("failed on the '%s' rule", fe.Tag()))
	}
	return appErrors.NewValidationError("", err.Error())
}

// CreateCampaign validates the input, normalises every recipient phone to
// E.164 and stores the campaign and its calls in one transaction.
func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	if err := s.validate(in); err != nil {
		return nil, err
	}
	if len(in.Recipients) > maxRecipientsPerCampaign {
		return nil, appErrors.NewValidationError("recipients", fmt.Sprintf("at most %d recipients", maxRecipientsPerCampaign))
	}

	business, err := s.Store.GetBusiness(ctx, in.BusinessID)
	if err != nil {
		return nil, err
	}
	if business == nil {
		return nil, appErrors.NewValidationError("business_id", "unknown business")
	}

	channel := in.Channel
	if channel == "" {
		channel = model.ChannelPhone
	}

	calls := make([]*model.CampaignCall, 0, len(in.Recipients))
	seen := make(map[string]bool, len(in.Recipients))
	for i, r := range in.Recipients {
		e164, err := phone.Normalize(r.Phone, s.DefaultRegion)
		if err != nil {
			return nil, appErrors.NewValidationError(fmt.Sprintf("recipients[%d].phone", i), err.Error())
		}
		if seen[e164] {
			continue
		}
		seen[e164] = true
		calls = append(calls, &model.CampaignCall{
			Phone:         e164,
			RecipientName: strings.TrimSpace(r.Name),
			Context:       r.Context,
		})
	}
	if dropped := len(in.Recipients) - len(calls); dropped > 0 {
		s.Log.Info("dropped duplicate recipients", zap.Int("dropped", dropped))
	}

	c := &model.Campaign{
		BusinessID:                in.BusinessID,
		Name:                      strings.TrimSpace(in.Name),
		Channel:                   channel,
		MaxConcurrent:             intOr(in.MaxConcurrent, defaultMaxConcurrent),
		InterDispatchDelaySeconds: intOr(in.InterDispatchDelaySeconds, defaultInterDispatchDelay),
		MaxRetriesPerCall:         intOr(in.MaxRetriesPerCall, defaultMaxRetriesPerCall),
		ScriptContext:             in.ScriptContext,
	}
	if err := s.Store.CreateCampaignWithCalls(ctx, c, calls); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	s.Log.Info("campaign created", zap.Int64("campaign_id", c.ID), zap.Int("calls", len(calls)))
	return c, nil
}

// StartCampaign moves a PENDING or PAUSED campaign to RUNNING and triggers
// the first pass. A business without telephony identity fails the campaign
// instead.
func (s *CampaignService) StartCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	return s.run(ctx, id, model.TransitionStart)
}

func (s *CampaignService) ResumeCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	return s.run(ctx, id, model.TransitionResume)
}

func (s *CampaignService) run(ctx context.Context, id int64, t model.CampaignTransition) (*model.Campaign, error) {
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Allows(c.Status) {
		return nil, appErrors.NewInvalidTransition(id, string(t), string(c.Status))
	}

	business, err := s.Store.GetBusiness(ctx, c.BusinessID)
	if err != nil {
		return nil, err
	}
	if business == nil || strings.TrimSpace(business.VendorPhoneNumberID) == "" {
		reason := "business has no telephony identity"
		if model.TransitionFail.Allows(c.Status) {
			if _, err := s.Store.TransitionCampaign(ctx, id, model.TransitionFail, s.now()); err != nil {
				return nil, err
			}
			s.Metrics.Transition(string(model.CampaignFailed))
		}
		s.Log.Error("campaign cannot run", zap.Int64("campaign_id", id), zap.String("reason", reason))
		return nil, appErrors.NewConfigurationError(id, reason)
	}

	c, err = s.Store.TransitionCampaign(ctx, id, t, s.now())
	if err != nil {
		return nil, err
	}
	s.Metrics.Transition(string(c.Status))
	s.Log.Info("campaign running", zap.Int64("campaign_id", id), zap.String("transition", string(t)))

	s.triggerAdvance(ctx, id)
	return c, nil
}

func (s *CampaignService) PauseCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	c, err := s.Store.TransitionCampaign(ctx, id, model.TransitionPause, s.now())
	if err != nil {
		return nil, err
	}
	s.Metrics.Transition(string(c.Status))
	s.Log.Info("campaign paused", zap.Int64("campaign_id", id))
	return c, nil
}

// CancelCampaign cancels the campaign and skips its PENDING and QUEUED
// calls. IN_PROGRESS calls finish and are still recorded.
func (s *CampaignService) CancelCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	c, skipped, err := s.Store.CancelCampaign(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	agg, err := s.Store.RecomputeAggregates(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("recompute aggregates: %w", err)
	}
	c.CompletedCalls = agg.CompletedCalls
	c.FailedCalls = agg.FailedCalls
	c.SuccessfulCalls = agg.SuccessfulCalls
	c.TotalCalls = agg.TotalCalls

	s.Metrics.Transition(string(c.Status))
	s.Log.Info("campaign cancelled", zap.Int64("campaign_id", id), zap.Int("skipped", skipped))
	return c, nil
}

func (s *CampaignService) triggerAdvance(ctx context.Context, id int64) {
	if s.Advancer == nil {
		return
	}
	if err := s.Advancer.Advance(ctx, id); err != nil {
		// The sweep picks the campaign up on its next tick.
		s.Log.Warn("advance trigger failed", zap.Int64("campaign_id", id), zap.Error(err))
	}
}

// GetCampaignWithStats returns the campaign with its call counts by status.
func (s *CampaignService) GetCampaignWithStats(ctx context.Context, id int64) (*CampaignDetails, error) {
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.Store.CountCallsByStatus(ctx, id)
	if err != nil {
		return nil, err
	}

	// initialize stats map
	stats := map[string]int{"total": 0}
	for _, st := range append(append([]model.CallStatus{}, model.OpenCallStatuses...), model.TerminalCallStatuses...) {
		stats[strings.ToLower(string(st))] = 0
	}
	for st, n := range counts {
		stats[strings.ToLower(string(st))] = n
		stats["total"] += n
	}

	return &CampaignDetails{Campaign: c, Stats: stats}, nil
}

func pageBounds(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	// Keeps (page-1)*pageSize from overflowing into a negative offset.
	if maxPage := math.MaxInt / maxPageSize; page > maxPage {
		page = maxPage
	}
	return page, pageSize, (page - 1) * pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, channel, status string) ([]model.Campaign, map[string]int, error) {
	if status != "" && !model.CampaignStatus(status).Valid() {
		return nil, nil, appErrors.NewValidationError("status", fmt.Sprintf("unknown campaign status %q", status))
	}
	page, pageSize, offset := pageBounds(page, pageSize)

	ptrs, total, err := s.Store.ListCampaigns(ctx, offset, pageSize, channel, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}
	return campaigns, pagination(page, pageSize, total), nil
}

// ListCampaignCalls lists a campaign's calls in creation order.
func (s *CampaignService) ListCampaignCalls(ctx context.Context, campaignID int64, q CallListQuery) ([]model.CampaignCall, map[string]int, error) {
	if _, err := s.Store.GetCampaign(ctx, campaignID); err != nil {
		return nil, nil, err
	}

	var f model.CallFilter
	if q.Status != "" {
		st := model.CallStatus(strings.ToUpper(q.Status))
		if !st.Valid() {
			return nil, nil, appErrors.NewValidationError("status", fmt.Sprintf("unknown call status %q", q.Status))
		}
		f.Statuses = []model.CallStatus{st}
	}
	if q.Outcome != "" {
		o := model.Outcome(strings.ToUpper(q.Outcome))
		if !o.Valid() {
			return nil, nil, appErrors.NewValidationError("outcome", fmt.Sprintf("unknown outcome %q", q.Outcome))
		}
		f.Outcome = &o
	}

	page, pageSize, offset := pageBounds(q.Page, q.PageSize)
	f.Offset, f.Limit = offset, pageSize

	ptrs, total, err := s.Store.ListCampaignCalls(ctx, campaignID, f)
	if err != nil {
		return nil, nil, err
	}
	calls := make([]model.CampaignCall, len(ptrs))
	for i, c := range ptrs {
		calls[i] = *c
	}
	return calls, pagination(page, pageSize, total), nil
}
