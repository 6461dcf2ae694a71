package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/unclebandit/mailtrack-backend/internal/model"
)

// MemoryStore keeps every table in process. It backs DATABASE_URL=memory and
// the service tests. Transactions are serialized but never rolled back.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	intents []*model.SendIntent
	events  []*model.DeliveryEvent
	stats   map[string]*model.CampaignStats
	deltas  []*model.StatsDelta
	jobs    []*model.PendingJob
	runs    map[string]*model.WorkflowRun
	steps   map[string]*model.WorkflowStep
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stats: make(map[string]*model.CampaignStats),
		runs:  make(map[string]*model.WorkflowRun),
		steps: make(map[string]*model.WorkflowStep),
	}
}

var (
	_ TransactionManager          = (*MemoryStore)(nil)
	_ LedgerRepositoryInterface   = (*MemoryStore)(nil)
	_ StatsRepositoryInterface    = (*MemoryStore)(nil)
	_ JobRepositoryInterface      = (*MemoryStore)(nil)
	_ WorkflowRepositoryInterface = (*MemoryStore)(nil)
)

type memTxKey struct{}

func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(context.WithValue(ctx, memTxKey{}, true))
}

// ====================== Send intents ======================

func (s *MemoryStore) findIntent(match func(*model.SendIntent) bool) *model.SendIntent {
	var found *model.SendIntent
	for _, in := range s.intents {
		if match(in) && (found == nil || !in.CreatedAt.Before(found.CreatedAt)) {
			found = in
		}
	}
	if found == nil {
		return nil
	}
	cp := *found
	return &cp
}

func (s *MemoryStore) GetIntent(_ context.Context, campaignID, email string) (*model.SendIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findIntent(func(in *model.SendIntent) bool {
		return in.SupersededAt == nil && in.CampaignID == campaignID && in.RecipientEmail == email
	}), nil
}

func (s *MemoryStore) GetIntentByID(_ context.Context, id string) (*model.SendIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findIntent(func(in *model.SendIntent) bool { return in.ID == id }), nil
}

// LockIntent is GetIntentByID: memory transactions already run one at a time.
func (s *MemoryStore) LockIntent(ctx context.Context, id string) (*model.SendIntent, error) {
	return s.GetIntentByID(ctx, id)
}

func (s *MemoryStore) FindIntentByProviderMessageID(_ context.Context, providerMessageID string) (*model.SendIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findIntent(func(in *model.SendIntent) bool {
		return in.SupersededAt == nil && in.ProviderMessageID != "" && in.ProviderMessageID == providerMessageID
	}), nil
}

func (s *MemoryStore) FindLatestIntent(_ context.Context, campaignID, email string) (*model.SendIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findIntent(func(in *model.SendIntent) bool {
		return in.SupersededAt == nil && in.RecipientEmail == email && (campaignID == "" || in.CampaignID == campaignID)
	}), nil
}

func (s *MemoryStore) InsertIntent(_ context.Context, in *model.SendIntent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.intents {
		if existing.SupersededAt == nil && existing.CampaignID == in.CampaignID && existing.RecipientEmail == in.RecipientEmail {
			return false, nil
		}
	}
	cp := *in
	s.intents = append(s.intents, &cp)
	return true, nil
}

func (s *MemoryStore) UpdateIntent(_ context.Context, in *model.SendIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.intents {
		if existing.ID == in.ID {
			cp := *in
			s.intents[i] = &cp
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) ListIntents(_ context.Context, f IntentFilter) ([]model.SendIntent, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := []model.SendIntent{}
	for _, in := range s.intents {
		if in.SupersededAt != nil || in.CampaignID != f.CampaignID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, in.Status) {
			continue
		}
		matched = append(matched, *in)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return page(matched, f.Offset, f.Limit), len(matched), nil
}

func (s *MemoryStore) CountIntentsByStatus(_ context.Context, campaignID string) (map[model.SendStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[model.SendStatus]int{}
	for _, in := range s.intents {
		if in.SupersededAt == nil && in.CampaignID == campaignID {
			counts[in.Status]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) SupersedeCampaign(_ context.Context, campaignID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.intents {
		if in.CampaignID == campaignID && in.SupersededAt == nil {
			t := at
			in.SupersededAt = &t
		}
	}
	for _, ev := range s.events {
		if ev.CampaignID == campaignID && ev.SupersededAt == nil {
			t := at
			ev.SupersededAt = &t
		}
	}
	return nil
}

// ====================== Delivery events ======================

func (s *MemoryStore) FindEventByProviderEventID(_ context.Context, providerEventID string) (*model.DeliveryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.events {
		if ev.ProviderEventID != "" && ev.ProviderEventID == providerEventID {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FindOneTimeEvent(_ context.Context, campaignID, email, providerMessageID string, eventType model.EventType) (*model.DeliveryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if providerMessageID != "" {
		for _, ev := range s.events {
			if ev.SupersededAt == nil && ev.ProviderMessageID == providerMessageID && ev.EventType == eventType {
				cp := *ev
				return &cp, nil
			}
		}
	}
	for _, ev := range s.events {
		if ev.SupersededAt == nil && ev.CampaignID == campaignID && ev.RecipientEmail == email && ev.EventType == eventType {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, ev *model.DeliveryEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events {
		if ev.ProviderEventID != "" && existing.ProviderEventID == ev.ProviderEventID {
			return false, nil
		}
		if !ev.EventType.Repeatable() && existing.SupersededAt == nil && existing.CampaignID == ev.CampaignID &&
			existing.RecipientEmail == ev.RecipientEmail && existing.EventType == ev.EventType {
			return false, nil
		}
	}
	cp := *ev
	s.events = append(s.events, &cp)
	return true, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, f EventFilter) ([]model.DeliveryEvent, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := []model.DeliveryEvent{}
	for _, ev := range s.events {
		if ev.SupersededAt != nil || ev.CampaignID != f.CampaignID {
			continue
		}
		if len(f.Types) > 0 && !containsType(f.Types, ev.EventType) {
			continue
		}
		matched = append(matched, *ev)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].OccurredAt.Before(matched[j].OccurredAt) })
	return page(matched, f.Offset, f.Limit), len(matched), nil
}

func (s *MemoryStore) ListEventsForIntent(_ context.Context, intentID string) ([]model.DeliveryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := []model.DeliveryEvent{}
	for _, ev := range s.events {
		if ev.SendIntentID == intentID {
			events = append(events, *ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].OccurredAt.Before(events[j].OccurredAt) })
	return events, nil
}

// ====================== Campaign stats ======================

func (s *MemoryStore) InitCampaign(_ context.Context, tenantID, campaignID string, total int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[campaignID] = &model.CampaignStats{
		CampaignID:      campaignID,
		TenantID:        tenantID,
		Status:          model.CampaignStatusSending,
		TotalRecipients: total,
		Queued:          total,
		StartedAt:       at,
		UpdatedAt:       at,
	}
	for _, d := range s.deltas {
		if d.CampaignID == campaignID && d.AppliedAt == nil {
			t := at
			d.AppliedAt = &t
		}
	}
	return nil
}

func (s *MemoryStore) CompleteCampaign(_ context.Context, campaignID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[campaignID]; ok {
		st.Status = model.CampaignStatusCompleted
		st.Queued = 0
		t := at
		st.CompletedAt = &t
		st.UpdatedAt = at
	}
	return nil
}

func (s *MemoryStore) GetStats(_ context.Context, campaignID string) (*model.CampaignStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stats[campaignID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListStats(_ context.Context, tenantID string, offset, limit int) ([]model.CampaignStats, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := []model.CampaignStats{}
	for _, st := range s.stats {
		if st.TenantID == tenantID {
			matched = append(matched, *st)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].CampaignID < matched[j].CampaignID
		}
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})
	return page(matched, offset, limit), len(matched), nil
}

func (s *MemoryStore) EnqueueDelta(_ context.Context, d *model.StatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.deltas {
		if existing.ID == d.ID {
			return nil
		}
	}
	cp := *d
	cp.Deltas = copyDeltas(d.Deltas)
	s.deltas = append(s.deltas, &cp)
	return nil
}

func (s *MemoryStore) ApplyDelta(_ context.Context, d *model.StatsDelta, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row *model.StatsDelta
	for _, existing := range s.deltas {
		if existing.ID == d.ID {
			row = existing
			break
		}
	}
	if row != nil && row.AppliedAt != nil {
		return false, nil
	}
	if row == nil {
		cp := *d
		cp.Deltas = copyDeltas(d.Deltas)
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = at
		}
		s.deltas = append(s.deltas, &cp)
		row = &cp
	}
	t := at
	row.AppliedAt = &t

	st, ok := s.stats[d.CampaignID]
	if !ok {
		st = &model.CampaignStats{
			CampaignID: d.CampaignID,
			TenantID:   d.TenantID,
			Status:     model.CampaignStatusSending,
			StartedAt:  at,
		}
		s.stats[d.CampaignID] = st
	}
	st.Apply(d.Deltas)
	last := at
	st.LastEventAt = &last
	st.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) PendingDeltas(_ context.Context, limit int) ([]model.StatsDelta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := []model.StatsDelta{}
	for _, d := range s.deltas {
		if d.AppliedAt != nil {
			continue
		}
		cp := *d
		cp.Deltas = copyDeltas(d.Deltas)
		pending = append(pending, cp)
		if limit > 0 && len(pending) == limit {
			break
		}
	}
	return pending, nil
}

// ====================== Pending jobs ======================

func (s *MemoryStore) CreateJob(_ context.Context, job *model.PendingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	s.jobs = append(s.jobs, &cp)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*model.PendingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.ID == id {
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *model.PendingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.UpdatedAt = time.Now().UTC()
	for i, existing := range s.jobs {
		if existing.ID == job.ID {
			cp := *job
			s.jobs[i] = &cp
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, id string, from []model.JobStatus, to model.JobStatus, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ID != id {
			continue
		}
		for _, st := range from {
			if job.Status == st {
				job.Status = to
				job.LastError = lastError
				job.UpdatedAt = time.Now().UTC()
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func (s *MemoryStore) ListPendingJobs(_ context.Context, limit int) ([]model.PendingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := []model.PendingJob{}
	for _, job := range s.jobs {
		if !job.Recoverable() {
			continue
		}
		jobs = append(jobs, *job)
		if limit > 0 && len(jobs) == limit {
			break
		}
	}
	return jobs, nil
}

// ====================== Workflows ======================

func (s *MemoryStore) CreateRun(_ context.Context, run *model.WorkflowRun) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	cp := *run
	s.runs[run.ID] = &cp
	return true, nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) UpdateRunStatus(_ context.Context, id string, status model.WorkflowStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		run.Status = status
		run.Error = errMsg
		run.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) ListRunsByStatus(_ context.Context, status model.WorkflowStatus) ([]model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := []model.WorkflowRun{}
	for _, run := range s.runs {
		if run.Status == status {
			runs = append(runs, *run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs, nil
}

func stepKey(workflowID, name string) string {
	return workflowID + "\x00" + name
}

func (s *MemoryStore) GetStep(_ context.Context, workflowID, name string) (*model.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[stepKey(workflowID, name)]
	if !ok {
		return nil, nil
	}
	cp := *step
	return &cp, nil
}

func (s *MemoryStore) SaveStep(_ context.Context, step *model.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	cp := *step
	s.steps[stepKey(step.WorkflowID, step.Name)] = &cp
	return nil
}

func containsStatus(list []model.SendStatus, s model.SendStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsType(list []model.EventType, t model.EventType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func copyDeltas(d model.Deltas) model.Deltas {
	out := make(model.Deltas, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
