package service_test

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/voicecampaign-backend/internal/model"
	"github.com/unclebandit/voicecampaign-backend/internal/service"
)

func TestPagination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := env.svc.CreateCampaign(ctx, service.CreateCampaignInput{
			BusinessID: businessWithLine,
			Name:       fmt.Sprintf("C%d", i),
			Recipients: []service.RecipientInput{{Phone: "+14155550101"}},
		})
		require.NoError(t, err)
	}

	pageSize := 2

	page1, pagination1, _ := env.svc.ListCampaigns(ctx, 1, pageSize, "", "")
	page2, _, _ := env.svc.ListCampaigns(ctx, 2, pageSize, "", "")

	expectedTotal := 5
	if pagination1["total_count"] != expectedTotal {
		t.Errorf("expected total_count %d, got %d", expectedTotal, pagination1["total_count"])
	}

	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("expected full pages, got %d and %d", len(page1), len(page2))
	}

	// Check descending order
	if page1[0].ID <= page1[1].ID {
		t.Errorf("expected descending order in page 1")
	}
	if page2[0].ID <= page2[1].ID {
		t.Errorf("expected descending order in page 2")
	}

	// Check no duplicates between pages
	if page1[1].ID == page2[0].ID {
		t.Errorf("duplicate entry between pages: %v", page1[1].ID)
	}

	page3, pagination3, _ := env.svc.ListCampaigns(ctx, 3, pageSize, "", "")
	if len(page3) != 1 {
		t.Errorf("expected last page to have 1 item, got %d", len(page3))
	}
	if pagination3["total_pages"] != 3 {
		t.Errorf("expected 3 pages, got %d", pagination3["total_pages"])
	}
}

func TestPaginationFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	running := env.runningCampaign(t, defaultOpts(), phones(1)...)
	env.createCampaign(t, defaultOpts(), phones(1)...)

	list, pagination, err := env.svc.ListCampaigns(ctx, 1, 10, "", string(model.CampaignRunning))
	require.NoError(t, err)
	if len(list) != 1 || list[0].ID != running.ID {
		t.Fatalf("expected only campaign %d, got %+v", running.ID, list)
	}
	if pagination["total_count"] != 1 {
		t.Errorf("expected total_count 1, got %d", pagination["total_count"])
	}

	// Oversized pages are clamped.
	_, pagination, err = env.svc.ListCampaigns(ctx, 0, 1000, "", "")
	require.NoError(t, err)
	if pagination["page"] != 1 || pagination["page_size"] != 100 {
		t.Errorf("unexpected clamping: %+v", pagination)
	}

	if _, _, err := env.svc.ListCampaigns(ctx, 1, 10, "", "DRAFT"); err == nil {
		t.Errorf("expected an error for an unknown status")
	}
}

func TestPaginationHugePage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.createCampaign(t, defaultOpts(), phones(3)...)

	calls, pagination, err := env.svc.ListCampaignCalls(ctx, c.ID, service.CallListQuery{Page: 1 << 62})
	require.NoError(t, err)
	if len(calls) != 0 {
		t.Errorf("expected an empty page, got %d calls", len(calls))
	}
	if pagination["total_count"] != 3 {
		t.Errorf("expected total_count 3, got %d", pagination["total_count"])
	}
	if pagination["page"] <= 0 {
		t.Errorf("expected a positive page, got %d", pagination["page"])
	}

	list, _, err := env.svc.ListCampaigns(ctx, math.MaxInt, 100, "", "")
	require.NoError(t, err)
	if len(list) != 0 {
		t.Errorf("expected an empty page, got %d campaigns", len(list))
	}
}
