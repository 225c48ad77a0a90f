// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/voicecampaign-backend/internal/errors"
	"github.com/unclebandit/voicecampaign-backend/internal/model"
	"github.com/unclebandit/voicecampaign-backend/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Log             *zap.Logger
}

// Routes mounts the campaign endpoints on r.
func (c *CampaignController) Routes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", c.CreateCampaign)
		r.Get("/", c.ListCampaigns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", c.GetCampaignDetails)
			r.Get("/calls", c.ListCampaignCalls)
			r.Post("/start", c.transition(c.CampaignService.StartCampaign))
			r.Post("/pause", c.transition(c.CampaignService.PauseCampaign))
			r.Post("/resume", c.transition(c.CampaignService.ResumeCampaign))
			r.Post("/cancel", c.transition(c.CampaignService.CancelCampaign))
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto status codes.
func (c *CampaignController) writeError(w http.ResponseWriter, err error) {
	var (
		validation *appErrors.ValidationError
		invalid    *appErrors.InvalidTransitionError
		config     *appErrors.ConfigurationError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.Is(err, appErrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &invalid):
		status = http.StatusConflict
	case errors.As(err, &config):
		status = http.StatusUnprocessableEntity
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		if c.Log != nil {
			c.Log.Error("request failed", zap.Error(err))
		}
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func campaignID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		return 0, appErrors.NewValidationError("id", "invalid campaign id")
	}
	return id, nil
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		c.writeError(w, appErrors.NewValidationError("", "invalid body"))
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	channel := r.URL.Query().Get("channel")
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, channel, status)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.writeError(w, err)
		return
	}

	details, err := c.CampaignService.GetCampaignWithStats(r.Context(), id)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) ListCampaignCalls(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.writeError(w, err)
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	calls, pagination, err := c.CampaignService.ListCampaignCalls(r.Context(), id, service.CallListQuery{
		Status:   q.Get("status"),
		Outcome:  q.Get("outcome"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       calls,
		"pagination": pagination,
	})
}

type transitionFunc func(ctx context.Context, id int64) (*model.Campaign, error)

func (c *CampaignController) transition(op transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := campaignID(r)
		if err != nil {
			c.writeError(w, err)
			return
		}

		campaign, err := op(r.Context(), id)
		if err != nil {
			c.writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, campaign)
	}
}
