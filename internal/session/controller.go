// Package session owns the authoritative in-memory view of one production
// session: which batch is running, since when, and with how much accumulated
// pause time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sgmi/padaria-floor/internal/api"
	"github.com/sgmi/padaria-floor/internal/domain"
	"github.com/sgmi/padaria-floor/internal/observability"
	"github.com/sgmi/padaria-floor/internal/realtime"
	"github.com/sgmi/padaria-floor/internal/snapshot"
)

// maxBatchCreateAttempts bounds the batch-number conflict retry loop.
const maxBatchCreateAttempts = 5

// authoritativeGrace is how long after a backend timer push the local tick
// stays quiet, so a live push stream never fights the fallback clock.
const authoritativeGrace = 3 * time.Second

// Backend is the slice of the REST client the controller drives.
type Backend interface {
	FindProductByName(ctx context.Context, name string) (*api.Product, error)
	FindPlans(ctx context.Context, productID string, shift domain.Shift, plannedDate string) ([]api.Plan, error)
	CreatePlan(ctx context.Context, req api.PlanRequest) (*api.Plan, error)
	CreateBatch(ctx context.Context, req api.BatchRequest) (*domain.BatchStatus, error)
	BatchStatus(ctx context.Context, batchID string) (*domain.BatchStatus, error)
	ListBatches(ctx context.Context, planID string) ([]domain.BatchStatus, error)
	PerformAction(ctx context.Context, batchID string, action domain.Action) (*domain.BatchStatus, error)
	SubmitSession(ctx context.Context, submission api.SessionSubmission) error
}

// ActionMirror broadcasts lifecycle actions to other stations watching the
// same plan. Sends while disconnected are dropped by the channel; the
// controller only logs that.
type ActionMirror interface {
	SendAction(batchID string, action domain.Action) error
}

// View is the derived, read-only state exposed for rendering.
type View struct {
	Product              string        `json:"product"`
	Shift                domain.Shift  `json:"shift"`
	Date                 string        `json:"date"`
	BatchID              string        `json:"batch_id,omitempty"`
	Status               domain.Status `json:"status,omitempty"`
	IsRunning            bool          `json:"is_running"`
	IsPaused             bool          `json:"is_paused"`
	IsCompleted          bool          `json:"is_completed"`
	CanStart             bool          `json:"can_start"`
	CanPause             bool          `json:"can_pause"`
	CanResume            bool          `json:"can_resume"`
	CurrentBatch         int           `json:"current_batch"`
	TotalBatches         int           `json:"total_batches"`
	ElapsedSeconds       int           `json:"elapsed_seconds"`
	PauseDurationMinutes int           `json:"pause_duration_minutes"`
	Error                string        `json:"error,omitempty"`
}

// Config carries the controller's collaborators. Backend and Store are
// required; Mirror and Metrics are optional.
type Config struct {
	Identity domain.SessionIdentity
	Backend  Backend
	Store    snapshot.Store
	Mirror   ActionMirror
	Logger   *zap.Logger
	Metrics  *observability.Metrics

	// DefaultEstimatedKg sizes plans and batches created by this station.
	DefaultEstimatedKg float64
}

// Controller is the batch lifecycle state machine. One mutex serializes user
// actions, realtime events, and timer ticks, so they apply in arrival order.
type Controller struct {
	identity domain.SessionIdentity
	backend  Backend
	store    snapshot.Store
	mirror   ActionMirror
	logger   *zap.Logger
	metrics  *observability.Metrics

	estimatedKg float64
	now         func() time.Time

	mu              sync.Mutex
	initialized     bool
	productID       string
	planID          string
	batch           *domain.BatchStatus
	elapsedSeconds  int
	authoritativeAt time.Time
	submitted       bool
	lastErr         error
}

func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Identity.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DefaultEstimatedKg <= 0 {
		cfg.DefaultEstimatedKg = 50
	}

	return &Controller{
		identity:    cfg.Identity,
		backend:     cfg.Backend,
		store:       cfg.Store,
		mirror:      cfg.Mirror,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		estimatedKg: cfg.DefaultEstimatedKg,
		now:         time.Now,
	}, nil
}

// SetMirror installs the action mirror after construction; the realtime
// channel's handler points back at this controller, so the channel is built
// second.
func (c *Controller) SetMirror(mirror ActionMirror) {
	c.mu.Lock()
	c.mirror = mirror
	c.mu.Unlock()
}

// Init establishes the session view, preferring the local snapshot and
// falling back to the backend. It runs once; later calls are no-ops.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}

	snap, err := snapshot.Load(ctx, c.store, c.identity.Key(), c.logger)
	if err != nil {
		// Treat an unreadable store like an empty one and consult the backend.
		c.logger.Warn("snapshot load failed, falling back to backend", zap.Error(err))
		snap = nil
	}

	if snap != nil && snap.Batch != nil {
		c.restoreLocked(snap)
		c.initialized = true
		c.logger.Info("session restored from snapshot",
			zap.String("batch_id", c.batch.ID),
			zap.String("status", c.batch.Status.String()))
		return nil
	}

	if err := c.adoptFromBackendLocked(ctx); err != nil {
		return err
	}

	c.initialized = true
	return nil
}

// restoreLocked applies the snapshot per status: terminal and paused batches
// keep their persisted elapsed value, a running batch recomputes it to cover
// the time the station was down.
func (c *Controller) restoreLocked(snap *snapshot.Snapshot) {
	batch := *snap.Batch
	c.batch = &batch
	c.planID = snap.ProductionPlanID
	c.elapsedSeconds = snap.ElapsedSeconds
	c.submitted = batch.Status.IsTerminal()

	if batch.Status == domain.StatusInProgress {
		c.elapsedSeconds = batch.Elapsed(c.now())
	}
}

func (c *Controller) adoptFromBackendLocked(ctx context.Context) error {
	product, err := c.backend.FindProductByName(ctx, c.identity.Product)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// No such product is a business error; the session stays
			// uninitialized rather than inventing a plan.
			return fmt.Errorf("product %q is not registered: %w", c.identity.Product, err)
		}
		return fmt.Errorf("product lookup failed: %w", err)
	}
	c.productID = product.ID

	plans, err := c.backend.FindPlans(ctx, product.ID, c.identity.Shift, c.identity.BackendDate())
	if err != nil {
		return fmt.Errorf("plan lookup failed: %w", err)
	}
	if len(plans) == 0 {
		return nil
	}
	c.planID = plans[0].ID

	batches, err := c.backend.ListBatches(ctx, c.planID)
	if err != nil {
		return fmt.Errorf("batch lookup failed: %w", err)
	}

	for i := len(batches) - 1; i >= 0; i-- {
		if batches[i].Status.IsTerminal() {
			continue
		}
		adopted := batches[i]
		c.batch = &adopted
		c.elapsedSeconds = adopted.Elapsed(c.now())
		c.logger.Info("adopted active batch from backend",
			zap.String("batch_id", adopted.ID),
			zap.String("status", adopted.Status.String()))
		c.persistLocked(ctx)
		return nil
	}
	return nil
}

// Start creates and starts the session's first batch. With an existing
// non-planned batch it is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batch != nil && c.batch.Status != domain.StatusPlanned {
		return nil
	}

	if c.batch != nil {
		// A planned batch already exists; just move it to running.
		now := c.now()
		c.batch.Status = domain.StatusInProgress
		c.batch.StartTime = &now
		c.elapsedSeconds = 0
		c.performActionLocked(ctx, domain.ActionStart)
		c.persistLocked(ctx)
		return nil
	}

	if err := c.ensurePlanLocked(ctx); err != nil {
		c.setErrLocked(err)
		return err
	}

	batch, err := c.createBatchLocked(ctx, 1)
	if err != nil {
		c.setErrLocked(err)
		return err
	}

	now := c.now()
	batch.Status = domain.StatusInProgress
	batch.StartTime = &now
	if batch.TotalBatches < batch.BatchNumber {
		batch.TotalBatches = batch.BatchNumber
	}
	c.batch = batch
	c.elapsedSeconds = 0
	c.submitted = false
	c.clearErrLocked()

	c.performActionLocked(ctx, domain.ActionStart)
	c.persistLocked(ctx)

	c.logger.Info("session started",
		zap.String("batch_id", batch.ID),
		zap.Int("batch_number", batch.BatchNumber))
	return nil
}

// Pause holds the timer. Valid only while running.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batch == nil || c.batch.Status != domain.StatusInProgress {
		return nil
	}

	now := c.now()
	c.batch.Status = domain.StatusPaused
	c.batch.PauseStartTime = &now
	c.elapsedSeconds = c.batch.Elapsed(now)

	c.performActionLocked(ctx, domain.ActionPause)
	c.persistLocked(ctx)
	return nil
}

// Resume folds the finished pause into the cumulative pause minutes and
// restarts the timer. Valid only while paused.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batch == nil || c.batch.Status != domain.StatusPaused {
		return nil
	}

	now := c.now()
	if c.batch.PauseStartTime != nil {
		c.batch.PauseDurationMinutes += now.Sub(*c.batch.PauseStartTime).Minutes()
	}
	c.batch.PauseStartTime = nil
	c.batch.Status = domain.StatusInProgress
	c.elapsedSeconds = c.batch.Elapsed(now)

	c.performActionLocked(ctx, domain.ActionResume)
	c.persistLocked(ctx)
	return nil
}

// Stop finishes the session. The batch becomes terminal exactly once and the
// finished session is submitted exactly once; a failed submission surfaces as
// a session error but never reopens the batch.
func (c *Controller) Stop(ctx context.Context) error {
	return c.finish(ctx, domain.ActionStop)
}

// Complete is Stop under the backend's complete action.
func (c *Controller) Complete(ctx context.Context) error {
	return c.finish(ctx, domain.ActionComplete)
}

func (c *Controller) finish(ctx context.Context, action domain.Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batch == nil || c.batch.Status.IsTerminal() {
		return nil
	}
	if c.batch.Status != domain.StatusInProgress && c.batch.Status != domain.StatusPaused {
		return nil
	}

	now := c.now()
	if c.batch.PauseStartTime != nil {
		c.batch.PauseDurationMinutes += now.Sub(*c.batch.PauseStartTime).Minutes()
		c.batch.PauseStartTime = nil
	}
	c.batch.Status = domain.StatusCompleted
	c.batch.EndTime = &now
	c.elapsedSeconds = c.batch.Elapsed(now)

	c.performActionLocked(ctx, action)
	c.submitLocked(ctx)
	c.persistLocked(ctx)

	c.logger.Info("session finished",
		zap.Int("elapsed_seconds", c.elapsedSeconds),
		zap.Int("bateladas", c.batch.TotalBatches),
		zap.Int("pause_minutes", c.batch.RoundedPauseMinutes()))
	return nil
}

// NewBatch moves the session to the next batch. The timer and pause
// accounting continue uninterrupted; batches within a session share one clock.
func (c *Controller) NewBatch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batch == nil || c.batch.Status.IsTerminal() {
		return nil
	}

	next, err := c.createBatchLocked(ctx, c.batch.BatchNumber+1)
	if err != nil {
		c.setErrLocked(err)
		return err
	}

	c.batch.ID = next.ID
	c.batch.BatchNumber = next.BatchNumber
	c.batch.TotalBatches++
	if c.batch.TotalBatches < c.batch.BatchNumber {
		c.batch.TotalBatches = c.batch.BatchNumber
	}
	c.clearErrLocked()
	c.persistLocked(ctx)

	c.logger.Info("advanced to next batch",
		zap.String("batch_id", c.batch.ID),
		zap.Int("batch_number", c.batch.BatchNumber))
	return nil
}

// Refresh re-reads the tracked batch from the backend and adopts its state.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batch == nil {
		return nil
	}

	remote, err := c.backend.BatchStatus(ctx, c.batch.ID)
	if err != nil {
		c.setErrLocked(err)
		return err
	}

	c.mergeBatchLocked(ctx, remote)
	c.clearErrLocked()
	return nil
}

// ApplyRealtimeUpdate merges one inbound push. Events for other batches are
// discarded so a neighbouring session can never leak into this one.
func (c *Controller) ApplyRealtimeUpdate(msg realtime.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx := context.Background()

	switch msg.Type {
	case realtime.TypeBatchCreated:
		if msg.Batch == nil || c.batch != nil {
			return
		}
		if c.planID == "" || msg.Batch.ProductionPlanID != c.planID {
			return
		}
		adopted := *msg.Batch
		c.batch = &adopted
		c.elapsedSeconds = adopted.Elapsed(c.now())
		c.persistLocked(ctx)

	case realtime.TypeBatchStatusUpdated:
		if msg.Batch == nil || c.batch == nil || msg.Batch.ID != c.batch.ID {
			return
		}
		c.mergeBatchLocked(ctx, msg.Batch)

	case realtime.TypeTimerUpdate:
		if msg.Timer == nil || c.batch == nil || msg.Timer.BatchID != c.batch.ID {
			return
		}
		if c.batch.Status.IsTerminal() {
			// A push queued before the batch finished; the frozen clock stands.
			return
		}
		c.elapsedSeconds = msg.Timer.ElapsedSeconds
		c.authoritativeAt = c.now()
		if msg.Timer.Status.IsValid() && !msg.Timer.Status.IsTerminal() &&
			msg.Timer.Status != c.batch.Status &&
			c.batch.Status.CanTransitionTo(msg.Timer.Status) {
			c.batch.Status = msg.Timer.Status
		}
		if c.metrics != nil {
			c.metrics.SetSessionElapsed(c.elapsedSeconds)
		}
	}
}

// Tick is the local fallback clock, called about once a second. It recomputes
// elapsed time only while running, and only once authoritative pushes have
// gone quiet for the grace window.
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batch == nil || c.batch.Status != domain.StatusInProgress {
		return
	}
	if now.Sub(c.authoritativeAt) < authoritativeGrace {
		return
	}

	c.elapsedSeconds = c.batch.Elapsed(now)
	if c.metrics != nil {
		c.metrics.SetSessionElapsed(c.elapsedSeconds)
		c.metrics.SetSessionCurrentBatch(c.batch.BatchNumber)
	}
}

// View returns the derived state for rendering.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := View{
		Product:  c.identity.Product,
		Shift:    c.identity.Shift,
		Date:     c.identity.Date,
		CanStart: true,
	}
	if c.lastErr != nil {
		view.Error = c.lastErr.Error()
	}
	if c.batch == nil {
		return view
	}

	view.BatchID = c.batch.ID
	view.Status = c.batch.Status
	view.IsRunning = c.batch.Status == domain.StatusInProgress
	view.IsPaused = c.batch.Status == domain.StatusPaused
	view.IsCompleted = c.batch.Status.IsTerminal()
	view.CanStart = c.batch.Status == domain.StatusPlanned
	view.CanPause = view.IsRunning
	view.CanResume = view.IsPaused
	view.CurrentBatch = c.batch.BatchNumber
	view.TotalBatches = c.batch.TotalBatches
	view.ElapsedSeconds = c.elapsedSeconds
	view.PauseDurationMinutes = c.batch.EffectivePauseMinutes(c.now())
	return view
}

// Err returns the last surfaced session error, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ensurePlanLocked finds today's plan for the product, creating one when the
// director has not planned this shift yet.
func (c *Controller) ensurePlanLocked(ctx context.Context) error {
	if c.planID != "" {
		return nil
	}

	if c.productID == "" {
		product, err := c.backend.FindProductByName(ctx, c.identity.Product)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("product %q is not registered: %w", c.identity.Product, err)
			}
			return fmt.Errorf("product lookup failed: %w", err)
		}
		c.productID = product.ID
	}

	plans, err := c.backend.FindPlans(ctx, c.productID, c.identity.Shift, c.identity.BackendDate())
	if err != nil {
		return fmt.Errorf("plan lookup failed: %w", err)
	}
	if len(plans) > 0 {
		c.planID = plans[0].ID
		return nil
	}

	plan, err := c.backend.CreatePlan(ctx, api.PlanRequest{
		ProductID:       c.productID,
		PlannedQuantity: c.estimatedKg,
		Shift:           c.identity.Shift.BackendName(),
		PlannedDate:     c.identity.BackendDate(),
	})
	if err != nil {
		return fmt.Errorf("plan creation failed: %w", err)
	}
	c.planID = plan.ID
	return nil
}

// createBatchLocked creates a batch under the current plan, walking past
// batch-number conflicts with a bounded attempt budget.
func (c *Controller) createBatchLocked(ctx context.Context, number int) (*domain.BatchStatus, error) {
	for attempt := 0; attempt < maxBatchCreateAttempts; attempt++ {
		batch, err := c.backend.CreateBatch(ctx, api.BatchRequest{
			ProductionPlanID: c.planID,
			BatchNumber:      number,
			EstimatedKg:      c.estimatedKg,
		})
		if err == nil {
			if batch.ID == "" {
				// Some backend builds omit the id on create; generate one so
				// snapshots and realtime filtering still have a stable key.
				batch.ID = uuid.NewString()
			}
			if batch.BatchNumber == 0 {
				batch.BatchNumber = number
			}
			if batch.ProductionPlanID == "" {
				batch.ProductionPlanID = c.planID
			}
			return batch, nil
		}
		if errors.Is(err, domain.ErrConflict) {
			c.logger.Warn("batch number taken, retrying with next",
				zap.Int("batch_number", number))
			number++
			continue
		}
		if api.IsTransient(err) {
			c.logger.Warn("batch creation failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		return nil, fmt.Errorf("batch creation failed: %w", err)
	}

	return nil, fmt.Errorf("%w: batch not created after %d attempts",
		domain.ErrRetryExhausted, maxBatchCreateAttempts)
}

// performActionLocked tells the backend and the other stations about a
// lifecycle action. Failures are surfaced, not retried; local state stands.
func (c *Controller) performActionLocked(ctx context.Context, action domain.Action) {
	if _, err := c.backend.PerformAction(ctx, c.batch.ID, action); err != nil {
		c.logger.Warn("backend rejected batch action",
			zap.String("action", action.String()),
			zap.Error(err))
		c.setErrLocked(err)
	}

	if c.mirror != nil {
		if err := c.mirror.SendAction(c.batch.ID, action); err != nil {
			c.logger.Debug("action not mirrored", zap.Error(err))
		}
	}
}

// submitLocked reports the finished session once. The submitted flag flips
// before the call, so even a failed submission is never re-sent.
func (c *Controller) submitLocked(ctx context.Context) {
	if c.submitted {
		return
	}
	c.submitted = true

	submission := api.SessionSubmission{
		Product:   c.identity.Product,
		Shift:     c.identity.Shift.BackendName(),
		Date:      c.identity.Date,
		StartTime: c.batch.StartTime,
		EndTime:   c.batch.EndTime,
		Bateladas: c.batch.TotalBatches,
		Duration:  c.elapsedSeconds,
	}

	err := c.backend.SubmitSession(ctx, submission)
	if c.metrics != nil {
		c.metrics.IncSubmission(resultLabel(err))
	}
	if err != nil {
		c.logger.Error("session submission failed", zap.Error(err))
		c.setErrLocked(fmt.Errorf("submission failed: %w", err))
		return
	}
	c.clearErrLocked()
}

// mergeBatchLocked adopts a remote copy of the tracked batch. A terminal
// batch never changes again, and a status move must be a legal step of the
// state machine; anything else is a stale push and is discarded whole.
func (c *Controller) mergeBatchLocked(ctx context.Context, remote *domain.BatchStatus) {
	if c.batch.Status.IsTerminal() {
		c.logger.Debug("update for finished batch discarded",
			zap.String("remote_status", remote.Status.String()))
		return
	}
	if remote.Status != c.batch.Status && !c.batch.Status.CanTransitionTo(remote.Status) {
		c.logger.Warn("remote status move discarded",
			zap.String("from", c.batch.Status.String()),
			zap.String("to", remote.Status.String()),
			zap.Error(domain.ErrInvalidTransition))
		return
	}

	c.batch.Status = remote.Status
	if remote.StartTime != nil {
		c.batch.StartTime = remote.StartTime
	}
	if remote.EndTime != nil {
		c.batch.EndTime = remote.EndTime
	}
	c.batch.PauseStartTime = remote.PauseStartTime
	if remote.PauseDurationMinutes > c.batch.PauseDurationMinutes {
		c.batch.PauseDurationMinutes = remote.PauseDurationMinutes
	}
	if remote.BatchNumber > 0 {
		c.batch.BatchNumber = remote.BatchNumber
	}
	if remote.TotalBatches > c.batch.TotalBatches {
		c.batch.TotalBatches = remote.TotalBatches
	}

	c.elapsedSeconds = c.batch.Elapsed(c.now())
	if c.batch.Status.IsTerminal() {
		c.submitLocked(ctx)
	}
	c.persistLocked(ctx)
}

// persistLocked snapshots after every mutation, fire and forget.
func (c *Controller) persistLocked(ctx context.Context) {
	if c.batch == nil {
		return
	}

	batch := *c.batch
	snap := &snapshot.Snapshot{
		BatchID:          batch.ID,
		ProductionPlanID: c.planID,
		Batch:            &batch,
		ElapsedSeconds:   c.elapsedSeconds,
		SavedAt:          c.now(),
	}

	err := snapshot.Save(ctx, c.store, c.identity.Key(), snap)
	if c.metrics != nil {
		c.metrics.IncSnapshotWrite(resultLabel(err))
	}
	if err != nil {
		c.logger.Warn("snapshot write failed", zap.Error(err))
	}
}

func (c *Controller) setErrLocked(err error) { c.lastErr = err }
func (c *Controller) clearErrLocked()        { c.lastErr = nil }

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
