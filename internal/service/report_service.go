package service

import (
	"context"
	"fmt"
	"math"

	appErrors "github.com/unclebandit/mailtrack-backend/internal/errors"
	"github.com/unclebandit/mailtrack-backend/internal/model"
	"github.com/unclebandit/mailtrack-backend/internal/repository"
)

// ReportService answers the read-only queries of the admin layer.
type ReportService struct {
	Ledger repository.LedgerRepositoryInterface
	Stats  repository.StatsRepositoryInterface
}

func NewReportService(ledger repository.LedgerRepositoryInterface, stats repository.StatsRepositoryInterface) *ReportService {
	return &ReportService{Ledger: ledger, Stats: stats}
}

// Trajectory is one recipient's intent with its events in occurrence order.
type Trajectory struct {
	Intent *model.SendIntent     `json:"intent"`
	Events []model.DeliveryEvent `json:"events"`
}

type Rates struct {
	Delivery    float64 `json:"delivery_rate"`
	Open        float64 `json:"open_rate"`
	Click       float64 `json:"click_rate"`
	Bounce      float64 `json:"bounce_rate"`
	Suppression float64 `json:"suppression_rate"`
}

type Breakdown struct {
	CampaignID string                   `json:"campaign_id"`
	Stats      *model.CampaignStats     `json:"stats"`
	Statuses   map[model.SendStatus]int `json:"statuses"`
	Rates      Rates                    `json:"rates"`
}

func (s *ReportService) GetStats(ctx context.Context, campaignID string) (*model.CampaignStats, error) {
	st, err := s.Stats.GetStats(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}
	return st, nil
}

// ListTenantStats fetches a tenant's campaign stats with pagination
func (s *ReportService) ListTenantStats(ctx context.Context, tenantID string, page, pageSize int) ([]model.CampaignStats, map[string]int, error) {
	page, pageSize, offset := normalizePage(page, pageSize)
	stats, total, err := s.Stats.ListStats(ctx, tenantID, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return stats, pagination(page, pageSize, total), nil
}

// ListSends pages through a campaign's intents, optionally of one status.
func (s *ReportService) ListSends(ctx context.Context, campaignID, status string, page, pageSize int) ([]model.SendIntent, map[string]int, error) {
	f := repository.IntentFilter{CampaignID: campaignID}
	if status != "" {
		st := model.SendStatus(status)
		if !st.Valid() {
			return nil, nil, fmt.Errorf("%w: unknown status %q", appErrors.ErrInvalidFilter, status)
		}
		f.Statuses = []model.SendStatus{st}
	}
	page, pageSize, f.Offset = normalizePage(page, pageSize)
	f.Limit = pageSize

	intents, total, err := s.Ledger.ListIntents(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	return intents, pagination(page, pageSize, total), nil
}

// ListEvents pages through a campaign's events, optionally of one type.
func (s *ReportService) ListEvents(ctx context.Context, campaignID, eventType string, page, pageSize int) ([]model.DeliveryEvent, map[string]int, error) {
	f := repository.EventFilter{CampaignID: campaignID}
	if eventType != "" {
		t := model.EventType(eventType)
		if !t.Valid() {
			return nil, nil, fmt.Errorf("%w: unknown event type %q", appErrors.ErrInvalidFilter, eventType)
		}
		f.Types = []model.EventType{t}
	}
	page, pageSize, f.Offset = normalizePage(page, pageSize)
	f.Limit = pageSize

	events, total, err := s.Ledger.ListEvents(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	return events, pagination(page, pageSize, total), nil
}

func (s *ReportService) Trajectory(ctx context.Context, intentID string) (*Trajectory, error) {
	intent, err := s.Ledger.GetIntentByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, appErrors.NewSendIntentNotFound(intentID)
	}
	events, err := s.Ledger.ListEventsForIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return &Trajectory{Intent: intent, Events: events}, nil
}

// Breakdown returns the counters, intent counts per status and the derived
// rates of a campaign.
func (s *ReportService) Breakdown(ctx context.Context, campaignID string) (*Breakdown, error) {
	st, err := s.GetStats(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := s.Ledger.CountIntentsByStatus(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	statuses := map[model.SendStatus]int{}
	for _, status := range []model.SendStatus{
		model.SendStatusQueued, model.SendStatusSent, model.SendStatusDelivered, model.SendStatusOpened,
		model.SendStatusClicked, model.SendStatusBounced, model.SendStatusComplained,
		model.SendStatusFailed, model.SendStatusSuppressed,
	} {
		statuses[status] = counts[status]
	}

	return &Breakdown{
		CampaignID: campaignID,
		Stats:      st,
		Statuses:   statuses,
		Rates: Rates{
			Delivery:    rate(st.Delivered, st.Sent),
			Open:        rate(st.UniqueOpens, st.Delivered),
			Click:       rate(st.UniqueClicks, st.Delivered),
			Bounce:      rate(st.Bounced, st.Sent),
			Suppression: rate(st.Suppressed, st.TotalRecipients),
		},
	}, nil
}

// rate is n/d as a percentage with one decimal, 0 when d is 0.
func rate(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return math.Round(float64(n)*1000/float64(d)) / 10
}

func normalizePage(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize, (page - 1) * pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	totalPages := (total + pageSize - 1) / pageSize
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
}
