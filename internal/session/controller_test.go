package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sgmi/padaria-floor/internal/api"
	"github.com/sgmi/padaria-floor/internal/domain"
	"github.com/sgmi/padaria-floor/internal/realtime"
	"github.com/sgmi/padaria-floor/internal/snapshot"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}}
}

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key], nil
}

func (s *fakeStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *fakeStore) Close() error { return nil }

// fakeBackend answers with a happy path unless a function field overrides it.
type fakeBackend struct {
	findProduct   func(ctx context.Context, name string) (*api.Product, error)
	findPlans     func(ctx context.Context, productID string, shift domain.Shift, date string) ([]api.Plan, error)
	createPlan    func(ctx context.Context, req api.PlanRequest) (*api.Plan, error)
	createBatch   func(ctx context.Context, req api.BatchRequest) (*domain.BatchStatus, error)
	batchStatus   func(ctx context.Context, batchID string) (*domain.BatchStatus, error)
	listBatches   func(ctx context.Context, planID string) ([]domain.BatchStatus, error)
	performAction func(ctx context.Context, batchID string, action domain.Action) (*domain.BatchStatus, error)
	submit        func(ctx context.Context, submission api.SessionSubmission) error

	mu           sync.Mutex
	batchCreates int
	actions      []domain.Action
	submissions  []api.SessionSubmission
}

func (f *fakeBackend) FindProductByName(ctx context.Context, name string) (*api.Product, error) {
	if f.findProduct != nil {
		return f.findProduct(ctx, name)
	}
	return &api.Product{ID: "prod-1", Name: name, Active: true}, nil
}

func (f *fakeBackend) FindPlans(ctx context.Context, productID string, shift domain.Shift, date string) ([]api.Plan, error) {
	if f.findPlans != nil {
		return f.findPlans(ctx, productID, shift, date)
	}
	return nil, nil
}

func (f *fakeBackend) CreatePlan(ctx context.Context, req api.PlanRequest) (*api.Plan, error) {
	if f.createPlan != nil {
		return f.createPlan(ctx, req)
	}
	return &api.Plan{ID: "plan-1", ProductID: req.ProductID, Shift: req.Shift, PlannedDate: req.PlannedDate}, nil
}

func (f *fakeBackend) CreateBatch(ctx context.Context, req api.BatchRequest) (*domain.BatchStatus, error) {
	if f.createBatch != nil {
		batch, err := f.createBatch(ctx, req)
		if err == nil {
			f.mu.Lock()
			f.batchCreates++
			f.mu.Unlock()
		}
		return batch, err
	}

	f.mu.Lock()
	f.batchCreates++
	f.mu.Unlock()
	return &domain.BatchStatus{
		ID:               fmt.Sprintf("batch-%d", req.BatchNumber),
		ProductionPlanID: req.ProductionPlanID,
		Status:           domain.StatusPlanned,
		BatchNumber:      req.BatchNumber,
		TotalBatches:     req.BatchNumber,
		EstimatedKg:      req.EstimatedKg,
	}, nil
}

func (f *fakeBackend) BatchStatus(ctx context.Context, batchID string) (*domain.BatchStatus, error) {
	if f.batchStatus != nil {
		return f.batchStatus(ctx, batchID)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeBackend) ListBatches(ctx context.Context, planID string) ([]domain.BatchStatus, error) {
	if f.listBatches != nil {
		return f.listBatches(ctx, planID)
	}
	return nil, nil
}

func (f *fakeBackend) PerformAction(ctx context.Context, batchID string, action domain.Action) (*domain.BatchStatus, error) {
	f.mu.Lock()
	f.actions = append(f.actions, action)
	f.mu.Unlock()

	if f.performAction != nil {
		return f.performAction(ctx, batchID, action)
	}
	return nil, nil
}

func (f *fakeBackend) SubmitSession(ctx context.Context, submission api.SessionSubmission) error {
	f.mu.Lock()
	f.submissions = append(f.submissions, submission)
	f.mu.Unlock()

	if f.submit != nil {
		return f.submit(ctx, submission)
	}
	return nil
}

func (f *fakeBackend) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCreates
}

func (f *fakeBackend) submitted() []api.SessionSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.SessionSubmission(nil), f.submissions...)
}

type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{cur: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

func testIdentity(t *testing.T) domain.SessionIdentity {
	t.Helper()
	return domain.SessionIdentity{Product: "Pão Francês", Shift: 1, Date: "01-01-2025"}
}

func newTestController(t *testing.T, backend *fakeBackend, store snapshot.Store, clock *fakeClock) *Controller {
	t.Helper()

	if store == nil {
		store = newFakeStore()
	}
	ctrl, err := NewController(Config{
		Identity:           testIdentity(t),
		Backend:            backend,
		Store:              store,
		Logger:             zap.NewNop(),
		DefaultEstimatedKg: 50,
	})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	if clock != nil {
		ctrl.now = clock.Now
	}
	return ctrl
}

func TestStartCreatesFirstBatch(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	store := newFakeStore()
	clock := newFakeClock(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))
	ctrl := newTestController(t, backend, store, clock)
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if view := ctrl.View(); !view.CanStart || view.Status != "" {
		t.Fatalf("View() before start = %+v, want empty startable session", view)
	}

	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	view := ctrl.View()
	if view.Status != domain.StatusInProgress {
		t.Fatalf("status = %v, want IN_PROGRESS", view.Status)
	}
	if view.CurrentBatch != 1 || view.TotalBatches != 1 {
		t.Fatalf("batch counters = %d/%d, want 1/1", view.CurrentBatch, view.TotalBatches)
	}
	if !view.IsRunning || view.CanStart {
		t.Fatalf("derived flags = %+v", view)
	}

	snap, err := snapshot.Load(ctx, store, testIdentity(t).Key(), zap.NewNop())
	if err != nil || snap == nil {
		t.Fatalf("snapshot after start = (%+v, %v), want persisted", snap, err)
	}
	if snap.Batch.Status != domain.StatusInProgress {
		t.Fatalf("persisted status = %v", snap.Batch.Status)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	ctrl := newTestController(t, backend, nil, newFakeClock(time.Now()))
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	if got := backend.createCount(); got != 1 {
		t.Fatalf("batch creations = %d, want 1", got)
	}
	if view := ctrl.View(); view.CurrentBatch != 1 {
		t.Fatalf("CurrentBatch = %d, want 1", view.CurrentBatch)
	}
}

func TestBatchNumberConflictRecovery(t *testing.T) {
	t.Parallel()

	const taken = 3 // numbers 1..3 are taken, 4 succeeds

	backend := &fakeBackend{}
	backend.createBatch = func(_ context.Context, req api.BatchRequest) (*domain.BatchStatus, error) {
		if req.BatchNumber <= taken {
			return nil, fmt.Errorf("%w: batch number %d exists", domain.ErrConflict, req.BatchNumber)
		}
		return &domain.BatchStatus{
			ID:               fmt.Sprintf("batch-%d", req.BatchNumber),
			ProductionPlanID: req.ProductionPlanID,
			Status:           domain.StatusPlanned,
			BatchNumber:      req.BatchNumber,
			TotalBatches:     req.BatchNumber,
		}, nil
	}

	ctrl := newTestController(t, backend, nil, newFakeClock(time.Now()))
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if view := ctrl.View(); view.CurrentBatch != taken+1 {
		t.Fatalf("CurrentBatch = %d, want %d", view.CurrentBatch, taken+1)
	}
	if got := backend.createCount(); got != 1 {
		t.Fatalf("successful creations = %d, want 1", got)
	}
}

func TestBatchNumberConflictExhaustion(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	backend.createBatch = func(_ context.Context, req api.BatchRequest) (*domain.BatchStatus, error) {
		return nil, fmt.Errorf("%w: batch number %d exists", domain.ErrConflict, req.BatchNumber)
	}

	ctrl := newTestController(t, backend, nil, newFakeClock(time.Now()))
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	err := ctrl.Start(ctx)
	if !errors.Is(err, domain.ErrRetryExhausted) {
		t.Fatalf("Start() error = %v, want ErrRetryExhausted", err)
	}
	if view := ctrl.View(); !view.CanStart || view.Error == "" {
		t.Fatalf("View() = %+v, want startable with surfaced error", view)
	}
}

func TestEndToEndScenario(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	clock := newFakeClock(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))
	ctrl := newTestController(t, backend, nil, clock)
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if view := ctrl.View(); view.Status != domain.StatusInProgress || view.CurrentBatch != 1 {
		t.Fatalf("after start: %+v", view)
	}

	clock.Advance(65 * time.Second)
	ctrl.Tick(clock.Now())
	if view := ctrl.View(); view.ElapsedSeconds != 65 {
		t.Fatalf("elapsed after 65s = %d, want 65", view.ElapsedSeconds)
	}

	if err := ctrl.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if view := ctrl.View(); !view.IsPaused {
		t.Fatalf("after pause: %+v", view)
	}

	clock.Advance(30 * time.Second)
	if err := ctrl.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	view := ctrl.View()
	if !view.IsRunning {
		t.Fatalf("after resume: %+v", view)
	}
	if view.PauseDurationMinutes != 1 {
		t.Fatalf("PauseDurationMinutes = %d, want 1 (30s rounds up)", view.PauseDurationMinutes)
	}
	if view.ElapsedSeconds != 65 {
		t.Fatalf("elapsed after resume = %d, want 65 (pause excluded)", view.ElapsedSeconds)
	}

	if err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	view = ctrl.View()
	if view.Status != domain.StatusCompleted || !view.IsCompleted {
		t.Fatalf("after stop: %+v", view)
	}
	if view.ElapsedSeconds != 65 {
		t.Fatalf("final elapsed = %d, want 65", view.ElapsedSeconds)
	}

	subs := backend.submitted()
	if len(subs) != 1 {
		t.Fatalf("submissions = %d, want exactly 1", len(subs))
	}
	sub := subs[0]
	if sub.Bateladas != 1 || sub.Duration != 65 {
		t.Fatalf("submission = %+v, want bateladas=1 duration=65", sub)
	}
	if sub.Product != "Pão Francês" || sub.Shift != "MORNING" || sub.Date != "01-01-2025" {
		t.Fatalf("submission identity = %+v", sub)
	}

	// A second stop must not resubmit.
	if err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if got := len(backend.submitted()); got != 1 {
		t.Fatalf("submissions after second stop = %d, want 1", got)
	}
}

func TestPauseAccountingAcrossCycles(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	clock := newFakeClock(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))
	ctrl := newTestController(t, backend, nil, clock)
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Three pause/resume cycles of 90s, 120s and 45s; the last pause is still
	// open when the session stops.
	clock.Advance(10 * time.Minute)
	_ = ctrl.Pause(ctx)
	clock.Advance(90 * time.Second)
	_ = ctrl.Resume(ctx)

	clock.Advance(5 * time.Minute)
	_ = ctrl.Pause(ctx)
	clock.Advance(120 * time.Second)
	_ = ctrl.Resume(ctx)

	clock.Advance(5 * time.Minute)
	_ = ctrl.Pause(ctx)
	clock.Advance(45 * time.Second)
	_ = ctrl.Stop(ctx)

	view := ctrl.View()
	// 90s + 120s + 45s = 255s, rounds to 4 minutes.
	if view.PauseDurationMinutes != 4 {
		t.Fatalf("PauseDurationMinutes = %d, want 4", view.PauseDurationMinutes)
	}
	// 1200s working time, pause excluded exactly.
	if view.ElapsedSeconds != 1200 {
		t.Fatalf("ElapsedSeconds = %d, want 1200", view.ElapsedSeconds)
	}
}

func TestReloadInvariantInProgress(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	store := newFakeStore()
	clock := newFakeClock(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))
	ctx := context.Background()

	ctrl := newTestController(t, backend, store, clock)
	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	clock.Advance(2 * time.Minute)
	ctrl.Tick(clock.Now())
	before := ctrl.View()

	// Same store, fresh controller, one second later: a station restart.
	clock.Advance(time.Second)
	reloaded := newTestController(t, backend, store, clock)
	if err := reloaded.Init(ctx); err != nil {
		t.Fatalf("reload Init() error = %v", err)
	}

	after := reloaded.View()
	if after.Status != before.Status || after.CurrentBatch != before.CurrentBatch {
		t.Fatalf("reload changed identity: before %+v, after %+v", before, after)
	}
	if diff := after.ElapsedSeconds - before.ElapsedSeconds; diff < 0 || diff > 2 {
		t.Fatalf("reload elapsed drifted by %ds: before %d, after %d",
			diff, before.ElapsedSeconds, after.ElapsedSeconds)
	}
	if got := backend.createCount(); got != 1 {
		t.Fatalf("reload created a duplicate batch: creations = %d", got)
	}
}

func TestReloadInvariantPaused(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	store := newFakeStore()
	clock := newFakeClock(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))
	ctx := context.Background()

	ctrl := newTestController(t, backend, store, clock)
	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	clock.Advance(3 * time.Minute)
	_ = ctrl.Pause(ctx)
	before := ctrl.View()

	// Time passes while the station is down; a paused clock must not advance.
	clock.Advance(time.Hour)
	reloaded := newTestController(t, backend, store, clock)
	if err := reloaded.Init(ctx); err != nil {
		t.Fatalf("reload Init() error = %v", err)
	}

	after := reloaded.View()
	if after.Status != domain.StatusPaused {
		t.Fatalf("reload status = %v, want PAUSED", after.Status)
	}
	if after.ElapsedSeconds != before.ElapsedSeconds {
		t.Fatalf("paused elapsed changed on reload: before %d, after %d",
			before.ElapsedSeconds, after.ElapsedSeconds)
	}
}

func TestReloadCompletedSessionIsImmutable(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	store := newFakeStore()
	clock := newFakeClock(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))
	ctx := context.Background()

	ctrl := newTestController(t, backend, store, clock)
	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	clock.Advance(10 * time.Minute)
	if err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	before := ctrl.View()

	clock.Advance(24 * time.Hour)
	reloaded := newTestController(t, backend, store, clock)
	if err := reloaded.Init(ctx); err != nil {
		t.Fatalf("reload Init() error = %v", err)
	}

	after := reloaded.View()
	if after.Status != domain.StatusCompleted || after.ElapsedSeconds != before.ElapsedSeconds {
		t.Fatalf("completed session changed on reload: before %+v, after %+v", before, after)
	}
	if err := reloaded.Stop(ctx); err != nil {
		t.Fatalf("Stop() on restored session error = %v", err)
	}
	if got := len(backend.submitted()); got != 1 {
		t.Fatalf("submissions after reload = %d, want 1", got)
	}
}

func TestInitAdoptsBackendBatchWhenNoSnapshot(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 5, 0, 0, 0, time.UTC)
	backend := &fakeBackend{}
	backend.findPlans = func(context.Context, string, domain.Shift, string) ([]api.Plan, error) {
		return []api.Plan{{ID: "plan-9"}}, nil
	}
	backend.listBatches = func(_ context.Context, planID string) ([]domain.BatchStatus, error) {
		done := domain.StatusCompleted
		end := start.Add(30 * time.Minute)
		return []domain.BatchStatus{
			{ID: "old", ProductionPlanID: planID, Status: done, StartTime: &start, EndTime: &end, BatchNumber: 1, TotalBatches: 1},
			{ID: "live", ProductionPlanID: planID, Status: domain.StatusInProgress, StartTime: &start, BatchNumber: 2, TotalBatches: 2},
		}, nil
	}

	clock := newFakeClock(start.Add(time.Hour))
	ctrl := newTestController(t, backend, nil, clock)

	if err := ctrl.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	view := ctrl.View()
	if view.BatchID != "live" || view.Status != domain.StatusInProgress {
		t.Fatalf("adopted batch = %+v, want the live one", view)
	}
	if view.ElapsedSeconds != 3600 {
		t.Fatalf("elapsed = %d, want 3600", view.ElapsedSeconds)
	}
}

func TestInitUnknownProductIsTerminal(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	backend.findProduct = func(_ context.Context, name string) (*api.Product, error) {
		return nil, fmt.Errorf("%w: product %q", domain.ErrNotFound, name)
	}

	ctrl := newTestController(t, backend, nil, newFakeClock(time.Now()))

	err := ctrl.Init(context.Background())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Init() error = %v, want ErrNotFound", err)
	}
}

func TestRealtimeFiltering(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	clock := newFakeClock(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))
	ctrl := newTestController(t, backend, nil, clock)
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	before := ctrl.View()

	// Update for a different batch id must be discarded.
	ctrl.ApplyRealtimeUpdate(realtime.Message{
		Type:  realtime.TypeBatchStatusUpdated,
		Batch: &domain.BatchStatus{ID: "someone-else", Status: domain.StatusStopped, BatchNumber: 7, TotalBatches: 7},
	})
	if after := ctrl.View(); after != before {
		t.Fatalf("foreign update mutated state: before %+v, after %+v", before, after)
	}

	ctrl.ApplyRealtimeUpdate(realtime.Message{
		Type:  realtime.TypeTimerUpdate,
		Timer: &realtime.TimerUpdate{BatchID: "someone-else", ElapsedSeconds: 9999, Status: domain.StatusInProgress},
	})
	if after := ctrl.View(); after.ElapsedSeconds != before.ElapsedSeconds {
		t.Fatalf("foreign timer update mutated elapsed: %d", after.ElapsedSeconds)
	}
}

func TestRealtimeTimerUpdateWins(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	clock := newFakeClock(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))
	ctrl := newTestController(t, backend, nil, clock)
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	batchID := ctrl.View().BatchID

	clock.Advance(40 * time.Second)
	ctrl.ApplyRealtimeUpdate(realtime.Message{
		Type:  realtime.TypeTimerUpdate,
		Timer: &realtime.TimerUpdate{BatchID: batchID, ElapsedSeconds: 42, Status: domain.StatusInProgress},
	})
	if view := ctrl.View(); view.ElapsedSeconds != 42 {
		t.Fatalf("elapsed = %d, want authoritative 42", view.ElapsedSeconds)
	}

	// A tick inside the grace window must not override the push.
	clock.Advance(time.Second)
	ctrl.Tick(clock.Now())
	if view := ctrl.View(); view.ElapsedSeconds != 42 {
		t.Fatalf("tick inside grace window overrode push: %d", view.ElapsedSeconds)
	}

	// Once pushes go quiet, the local clock takes over again.
	clock.Advance(5 * time.Second)
	ctrl.Tick(clock.Now())
	if view := ctrl.View(); view.ElapsedSeconds != 46 {
		t.Fatalf("elapsed after grace = %d, want 46", view.ElapsedSeconds)
	}
}

func TestRealtimeStatusUpdateMerges(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	clock := newFakeClock(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))
	ctrl := newTestController(t, backend, nil, clock)
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	batchID := ctrl.View().BatchID

	clock.Advance(time.Minute)
	now := clock.Now()
	ctrl.ApplyRealtimeUpdate(realtime.Message{
		Type: realtime.TypeBatchStatusUpdated,
		Batch: &domain.BatchStatus{
			ID:             batchID,
			Status:         domain.StatusPaused,
			PauseStartTime: &now,
			BatchNumber:    1,
			TotalBatches:   1,
		},
	})

	view := ctrl.View()
	if !view.IsPaused {
		t.Fatalf("status update not merged: %+v", view)
	}

	// A remote completion finishes the session, with exactly one submission.
	end := now.Add(time.Second)
	ctrl.ApplyRealtimeUpdate(realtime.Message{
		Type: realtime.TypeBatchStatusUpdated,
		Batch: &domain.BatchStatus{
			ID:           batchID,
			Status:       domain.StatusCompleted,
			EndTime:      &end,
			BatchNumber:  1,
			TotalBatches: 1,
		},
	})
	if view := ctrl.View(); !view.IsCompleted {
		t.Fatalf("remote completion ignored: %+v", view)
	}
	if got := len(backend.submitted()); got != 1 {
		t.Fatalf("submissions = %d, want 1", got)
	}
}

func TestNewBatchSharesTheSessionClock(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	clock := newFakeClock(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))
	ctrl := newTestController(t, backend, nil, clock)
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	clock.Advance(10 * time.Minute)
	ctrl.Tick(clock.Now())
	if err := ctrl.NewBatch(ctx); err != nil {
		t.Fatalf("NewBatch() error = %v", err)
	}

	view := ctrl.View()
	if view.CurrentBatch != 2 || view.TotalBatches != 2 {
		t.Fatalf("batch counters = %d/%d, want 2/2", view.CurrentBatch, view.TotalBatches)
	}
	if view.ElapsedSeconds != 600 {
		t.Fatalf("elapsed reset by NewBatch: %d, want 600", view.ElapsedSeconds)
	}

	clock.Advance(5 * time.Minute)
	_ = ctrl.Stop(ctx)
	subs := backend.submitted()
	if len(subs) != 1 || subs[0].Bateladas != 2 {
		t.Fatalf("submission = %+v, want bateladas=2", subs)
	}
}

func TestSubmissionFailureKeepsTerminalState(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	backend.submit = func(context.Context, api.SessionSubmission) error {
		return errors.New("backend unavailable")
	}
	clock := newFakeClock(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))
	ctrl := newTestController(t, backend, nil, clock)
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	clock.Advance(time.Minute)
	if err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	view := ctrl.View()
	if !view.IsCompleted {
		t.Fatalf("failed submission reopened the batch: %+v", view)
	}
	if view.Error == "" {
		t.Fatal("submission failure was not surfaced")
	}

	// Terminal means terminal: no resubmission on a repeated stop.
	if err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if got := len(backend.submitted()); got != 1 {
		t.Fatalf("submission attempts = %d, want 1", got)
	}
}

func TestPauseResumeAreNoOpsInWrongStates(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	ctrl := newTestController(t, backend, nil, newFakeClock(time.Now()))
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	// No batch yet: everything except Start is a no-op.
	if err := ctrl.Pause(ctx); err != nil {
		t.Fatalf("Pause() without batch error = %v", err)
	}
	if err := ctrl.Resume(ctx); err != nil {
		t.Fatalf("Resume() without batch error = %v", err)
	}
	if err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop() without batch error = %v", err)
	}
	if err := ctrl.NewBatch(ctx); err != nil {
		t.Fatalf("NewBatch() without batch error = %v", err)
	}
	if got := len(backend.submitted()); got != 0 {
		t.Fatalf("submissions without a session = %d", got)
	}

	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Running: Resume is a no-op.
	if err := ctrl.Resume(ctx); err != nil {
		t.Fatalf("Resume() while running error = %v", err)
	}
	if view := ctrl.View(); !view.IsRunning {
		t.Fatalf("Resume() while running changed state: %+v", view)
	}
}

func TestTerminalElapsedNeverNegative(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	clock := newFakeClock(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))
	ctrl := newTestController(t, backend, nil, clock)
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Pause for longer than the running time, then stop: the skewed
	// accounting clamps at zero instead of going negative.
	clock.Advance(30 * time.Second)
	_ = ctrl.Pause(ctx)
	clock.Advance(10 * time.Minute)
	_ = ctrl.Resume(ctx)
	_ = ctrl.Stop(ctx)

	view := ctrl.View()
	if view.ElapsedSeconds < 0 {
		t.Fatalf("terminal elapsed = %d, must never be negative", view.ElapsedSeconds)
	}
	subs := backend.submitted()
	if len(subs) != 1 || subs[0].Duration < 0 {
		t.Fatalf("submission duration negative: %+v", subs)
	}
}

func TestStaleRealtimePushCannotReopenFinishedSession(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	clock := newFakeClock(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))
	ctrl := newTestController(t, backend, nil, clock)
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	batchID := ctrl.View().BatchID

	clock.Advance(65 * time.Second)
	if err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	before := ctrl.View()
	if !before.IsCompleted || before.ElapsedSeconds != 65 {
		t.Fatalf("after stop: %+v", before)
	}

	// A status push queued before the stop arrives late; the finished batch
	// must not reopen.
	ctrl.ApplyRealtimeUpdate(realtime.Message{
		Type: realtime.TypeBatchStatusUpdated,
		Batch: &domain.BatchStatus{
			ID:           batchID,
			Status:       domain.StatusInProgress,
			BatchNumber:  1,
			TotalBatches: 1,
		},
	})
	if after := ctrl.View(); after != before {
		t.Fatalf("stale status push mutated finished session: before %+v, after %+v", before, after)
	}

	// Same for a late timer push; the frozen clock stands.
	ctrl.ApplyRealtimeUpdate(realtime.Message{
		Type:  realtime.TypeTimerUpdate,
		Timer: &realtime.TimerUpdate{BatchID: batchID, ElapsedSeconds: 9999, Status: domain.StatusInProgress},
	})
	after := ctrl.View()
	if after.Status != domain.StatusCompleted {
		t.Fatalf("stale timer push reopened batch: status = %v", after.Status)
	}
	if after.ElapsedSeconds != 65 {
		t.Fatalf("stale timer push unfroze clock: elapsed = %d, want 65", after.ElapsedSeconds)
	}
	if got := len(backend.submitted()); got != 1 {
		t.Fatalf("submissions = %d, want 1", got)
	}
}

func TestRealtimeIllegalStatusMoveIsDiscarded(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	clock := newFakeClock(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC))
	ctrl := newTestController(t, backend, nil, clock)
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	batchID := ctrl.View().BatchID

	clock.Advance(time.Minute)
	ctrl.Tick(clock.Now())
	before := ctrl.View()

	// IN_PROGRESS cannot step back to PLANNED; the push is stale.
	ctrl.ApplyRealtimeUpdate(realtime.Message{
		Type: realtime.TypeBatchStatusUpdated,
		Batch: &domain.BatchStatus{
			ID:           batchID,
			Status:       domain.StatusPlanned,
			BatchNumber:  1,
			TotalBatches: 1,
		},
	})
	if after := ctrl.View(); after != before {
		t.Fatalf("illegal status move merged: before %+v, after %+v", before, after)
	}
}

func TestBatchCreateRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	var mu sync.Mutex
	attempts := 0
	backend.createBatch = func(_ context.Context, req api.BatchRequest) (*domain.BatchStatus, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, &api.APIError{StatusCode: 503, Operation: "create_batch", Transient: true}
		}
		return &domain.BatchStatus{
			ID:               "batch-after-retry",
			ProductionPlanID: req.ProductionPlanID,
			Status:           domain.StatusPlanned,
			BatchNumber:      req.BatchNumber,
			TotalBatches:     req.BatchNumber,
		}, nil
	}

	ctrl := newTestController(t, backend, nil, newFakeClock(time.Now()))
	ctx := context.Background()

	if err := ctrl.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	view := ctrl.View()
	if view.BatchID != "batch-after-retry" || view.CurrentBatch != 1 {
		t.Fatalf("after transient retries: %+v", view)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("create attempts = %d, want 3", attempts)
	}
}
