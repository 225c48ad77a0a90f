package controller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/voicecampaign-backend/internal/controller"
	"github.com/unclebandit/voicecampaign-backend/internal/model"
	"github.com/unclebandit/voicecampaign-backend/internal/repository"
	"github.com/unclebandit/voicecampaign-backend/internal/service"
)

type recordingAdvancer struct {
	mu  sync.Mutex
	ids []int64
}

func (a *recordingAdvancer) Advance(_ context.Context, id int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, id)
	return nil
}

func (a *recordingAdvancer) IDs() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.ids...)
}

func newServer(t *testing.T) (*httptest.Server, *recordingAdvancer) {
	t.Helper()
	store := repository.NewMemoryStore()
	store.PutBusiness(model.Business{ID: 1, Name: "Acme", VendorPhoneNumberID: "pn_acme"})
	store.PutBusiness(model.Business{ID: 2, Name: "No Line"})

	adv := &recordingAdvancer{}
	svc := service.NewCampaignService(store, adv, nil, zap.NewNop(), "US")
	ctrl := &controller.CampaignController{CampaignService: svc, Log: zap.NewNop()}

	r := chi.NewRouter()
	ctrl.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, adv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

const createBody = `{
	"business_id": 1,
	"name": "October reminders",
	"max_concurrent": 2,
	"script_context": "Hi {name}",
	"recipients": [
		{"phone": "+14155550101", "name": "Ada"},
		{"phone": "(415) 555-0102", "name": "Grace"}
	]
}`

func TestCreateAndGetCampaign(t *testing.T) {
	srv, _ := newServer(t)

	resp, created := do(t, srv, http.MethodPost, "/campaigns", createBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "PENDING", created["status"])
	assert.EqualValues(t, 2, created["total_calls"])

	resp, details := do(t, srv, http.MethodGet, "/campaigns/1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "October reminders", details["name"])
	stats, ok := details["stats"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, stats["pending"])
	assert.EqualValues(t, 2, stats["total"])

	resp, calls := do(t, srv, http.MethodGet, "/campaigns/1/calls?page_size=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, calls["data"], 1)
	pagination := calls["pagination"].(map[string]any)
	assert.EqualValues(t, 2, pagination["total_pages"])
}

func TestLifecycleEndpoints(t *testing.T) {
	srv, adv := newServer(t)
	resp, _ := do(t, srv, http.MethodPost, "/campaigns", createBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	steps := []struct {
		path   string
		status int
		state  string
	}{
		{"/campaigns/1/pause", http.StatusConflict, ""},
		{"/campaigns/1/start", http.StatusOK, "RUNNING"},
		{"/campaigns/1/pause", http.StatusOK, "PAUSED"},
		{"/campaigns/1/resume", http.StatusOK, "RUNNING"},
		{"/campaigns/1/cancel", http.StatusOK, "CANCELLED"},
		{"/campaigns/1/start", http.StatusConflict, ""},
	}
	for _, s := range steps {
		resp, body := do(t, srv, http.MethodPost, s.path, "")
		require.Equal(t, s.status, resp.StatusCode, s.path)
		if s.state != "" {
			assert.Equal(t, s.state, body["status"], s.path)
		} else {
			assert.NotEmpty(t, body["error"])
		}
	}
	assert.Equal(t, []int64{1, 1}, adv.IDs(), "start and resume trigger a pass")
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newServer(t)

	resp, _ := do(t, srv, http.MethodPost, "/campaigns", `{"business_id": 2, "name": "x", "recipients": [{"phone": "+14155550101"}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"malformed body", http.MethodPost, "/campaigns", `{`, http.StatusBadRequest},
		{"invalid input", http.MethodPost, "/campaigns", `{"business_id": 1, "name": "", "recipients": []}`, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/campaigns/abc", "", http.StatusBadRequest},
		{"unknown campaign", http.MethodGet, "/campaigns/99", "", http.StatusNotFound},
		{"unknown campaign calls", http.MethodGet, "/campaigns/99/calls", "", http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/campaigns?status=DRAFT", "", http.StatusBadRequest},
		{"missing telephony identity", http.MethodPost, "/campaigns/1/start", "", http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, srv, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestListCampaigns(t *testing.T) {
	srv, _ := newServer(t)
	for i := 0; i < 3; i++ {
		resp, _ := do(t, srv, http.MethodPost, "/campaigns", createBody)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := do(t, srv, http.MethodGet, "/campaigns?page=1&page_size=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := body["data"].([]any)
	require.Len(t, data, 2)
	first, second := data[0].(map[string]any)["id"].(float64), data[1].(map[string]any)["id"].(float64)
	assert.Greater(t, first, second, "newest first")

	pagination := body["pagination"].(map[string]any)
	assert.EqualValues(t, 3, pagination["total_count"])
	assert.EqualValues(t, 2, pagination["total_pages"])
}
