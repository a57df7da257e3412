// Package sync pulls messages from VoIP.ms into the local store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/voipsms/smsd/internal/bus"
	"github.com/voipsms/smsd/internal/status"
	"github.com/voipsms/smsd/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	otelScope       = "smsd/sync"
	spanCycle       = "sync.cycle"
	metricRequests  = "smsd.sync.requests"
	metricInserted  = "smsd.sync.messages.inserted"
	metricSkipped   = "smsd.sync.messages.skipped"
	metricErrors    = "smsd.sync.errors"
	progressPercent = 100
)

// Gateway fetches the messages of one DID for one date range.
type Gateway interface {
	FetchMessages(ctx context.Context, did string, from, to time.Time) ([]store.RemoteMessage, error)
}

// Config supplies the sync settings.
type Config interface {
	ActiveDIDs() []string
	SyncStartDate() time.Time
	RetrieveDeletedMessages() bool
	RetrieveOnlyRecentMessages() bool
}

// Notifier is told which conversations received new incoming messages.
type Notifier interface {
	OnNewMessages(ctx context.Context, convs []store.ConversationID)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, convs []store.ConversationID)

func (f NotifierFunc) OnNewMessages(ctx context.Context, convs []store.ConversationID) {
	f(ctx, convs)
}

// Options controls a single sync cycle.
type Options struct {
	// ForceRecentOnly fetches only from the newest stored message onwards and
	// never restores deleted messages.
	ForceRecentOnly bool `json:"force_recent_only"`
}

// Progress reports how far the running cycle is.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// Result summarizes a sync cycle, including a cycle that stopped early.
type Result struct {
	Full             bool                   `json:"full"`
	Floor            time.Time              `json:"floor"`
	Windows          []Window               `json:"windows"`
	Requests         int                    `json:"requests"`
	Completed        int                    `json:"completed"`
	Fetched          int                    `json:"fetched"`
	Inserted         int                    `json:"inserted"`
	Skipped          int                    `json:"skipped"`
	NewConversations []store.ConversationID `json:"new_conversations,omitempty"`
	StartedAt        time.Time              `json:"started_at"`
	FinishedAt       time.Time              `json:"finished_at"`
	Error            string                 `json:"error,omitempty"`
}

type request struct {
	did    string
	window Window
}

// Engine runs sync cycles. Only one cycle runs at a time; the status machine
// is the gate.
type Engine struct {
	db         *store.DB
	gateway    Gateway
	cfg        Config
	status     *status.Machine
	bus        *bus.Bus
	reconciler *Reconciler
	notifier   Notifier
	logger     *zap.Logger
	now        func() time.Time

	// gate orders claiming a cycle against Cancel.
	gate      stdsync.Mutex
	cancelled atomic.Bool
	completed atomic.Int64
	total     atomic.Int64

	tracer      trace.Tracer
	cntRequests metric.Int64Counter
	cntInserted metric.Int64Counter
	cntSkipped  metric.Int64Counter
	cntErrors   metric.Int64Counter
}

// NewEngine creates a new sync engine. New incoming messages are announced
// on the bus until SetNotifier installs another notifier.
func NewEngine(db *store.DB, gateway Gateway, cfg Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", zap.String("name", name), zap.Error(err))
			return noop.Int64Counter{}
		}
		return c
	}

	e := &Engine{
		db:         db,
		gateway:    gateway,
		cfg:        cfg,
		status:     machine,
		bus:        b,
		reconciler: NewReconciler(db, logger),
		logger:     logger,
		now:        time.Now,

		tracer:      tracer,
		cntRequests: mustCounter(metricRequests, "Number of getSMS requests issued"),
		cntInserted: mustCounter(metricInserted, "Number of messages inserted by sync"),
		cntSkipped:  mustCounter(metricSkipped, "Number of fetched messages already stored or deleted"),
		cntErrors:   mustCounter(metricErrors, "Number of failed sync cycles"),
	}
	e.notifier = NotifierFunc(e.publishNewMessages)
	return e
}

// SetNotifier replaces the new-message notifier.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Reconciler returns the checkpoint helper used by the engine.
func (e *Engine) Reconciler() *Reconciler {
	return e.reconciler
}

// Progress returns the progress of the running cycle, or of the last one.
func (e *Engine) Progress() Progress {
	return progressOf(int(e.completed.Load()), int(e.total.Load()))
}

func progressOf(completed, total int) Progress {
	p := Progress{Completed: completed, Total: total}
	if total > 0 {
		p.Percent = completed * progressPercent / total
	}
	return p
}

// Cancel asks the running cycle to stop after its in-flight request. It
// reports whether a cycle was running.
func (e *Engine) Cancel() bool {
	e.gate.Lock()
	defer e.gate.Unlock()
	// Only a Syncing machine can move to Cancelling.
	if err := e.status.Transition(status.Cancelling); err != nil {
		return false
	}
	e.cancelled.Store(true)
	e.logger.Info("sync cancellation requested")
	return true
}

// begin claims the engine for one cycle.
func (e *Engine) begin() error {
	e.gate.Lock()
	defer e.gate.Unlock()
	if err := e.status.Transition(status.Syncing); err != nil {
		switch e.status.Current() {
		case status.Syncing, status.Cancelling:
			return ErrSyncInProgress
		}
		return fmt.Errorf("start sync: %w", err)
	}
	e.cancelled.Store(false)
	e.completed.Store(0)
	e.total.Store(0)
	return nil
}

// Start claims the engine like Sync, then runs the cycle in the background.
// When it returns nil the cycle is running and a Cancel is honored. The
// cycle is not tied to ctx's cancellation.
func (e *Engine) Start(ctx context.Context, opts Options) error {
	if err := e.begin(); err != nil {
		return err
	}
	go func() {
		if _, err := e.cycle(context.WithoutCancel(ctx), opts); err != nil {
			e.logger.Warn("background sync failed", zap.Error(err))
		}
	}()
	return nil
}

// Sync runs one cycle: compute the fetch floor, split [floor, now] into
// windows, fetch every window of every active DID in order and merge each
// response as it arrives. The first failing request ends the cycle; what was
// merged before stays merged.
func (e *Engine) Sync(ctx context.Context, opts Options) (*Result, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	return e.cycle(ctx, opts)
}

// cycle runs a claimed cycle to its end and releases the engine.
func (e *Engine) cycle(ctx context.Context, opts Options) (result *Result, err error) {
	ctx, span := e.tracer.Start(ctx, spanCycle,
		trace.WithAttributes(attribute.Bool("sync.force_recent_only", opts.ForceRecentOnly)))
	defer span.End()

	e.bus.Publish(bus.NewEvent(bus.SyncStarted, opts))
	e.logger.Info("sync started", zap.Bool("force_recent_only", opts.ForceRecentOnly))

	result, err = e.run(ctx, opts)

	span.SetAttributes(
		attribute.Int("sync.requests", result.Requests),
		attribute.Int("sync.completed", result.Completed),
		attribute.Int("sync.inserted", result.Inserted),
		attribute.Int("sync.skipped", result.Skipped),
	)
	if result.Inserted > 0 {
		e.cntInserted.Add(ctx, int64(result.Inserted))
	}
	if result.Skipped > 0 {
		e.cntSkipped.Add(ctx, int64(result.Skipped))
	}

	if err != nil {
		result.Error = err.Error()
		e.finishFailed(ctx, span, result, err)
		return result, err
	}

	if err := e.status.Transition(status.Idle); err != nil {
		e.logger.Warn("sync status not reset", zap.Error(err))
	}
	e.bus.Publish(bus.NewEvent(bus.SyncCompleted, *result))
	e.logger.Info("sync completed",
		zap.Bool("full", result.Full),
		zap.Int("requests", result.Requests),
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", result.Skipped),
		zap.Duration("took", result.FinishedAt.Sub(result.StartedAt)))
	return result, nil
}

func (e *Engine) finishFailed(ctx context.Context, span trace.Span, result *Result, err error) {
	var syncErr *SyncError
	errors.As(err, &syncErr)

	if syncErr != nil && syncErr.Kind == KindCancelled {
		if tErr := e.status.TransitionWithDetail(status.Idle, syncErr.UserMessage()); tErr != nil {
			e.logger.Warn("sync status not reset", zap.Error(tErr))
		}
		e.bus.Publish(bus.NewEvent(bus.SyncCancelled, *result))
		e.logger.Info("sync cancelled", zap.Int("completed", result.Completed), zap.Int("requests", result.Requests))
		return
	}

	e.cntErrors.Add(ctx, 1)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	detail := err.Error()
	if syncErr != nil {
		detail = syncErr.UserMessage()
	}
	if tErr := e.status.TransitionWithDetail(status.Failed, detail); tErr != nil {
		e.logger.Warn("sync status not updated", zap.Error(tErr))
	}
	e.bus.Publish(bus.NewEvent(bus.SyncFailed, *result))
	e.logger.Error("sync failed", zap.Error(err), zap.Int("completed", result.Completed), zap.Int("requests", result.Requests))
}

func (e *Engine) run(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{Full: !opts.ForceRecentOnly, StartedAt: e.now()}
	defer func() { result.FinishedAt = e.now() }()

	dids := e.cfg.ActiveDIDs()
	if len(dids) == 0 {
		return result, &SyncError{Kind: KindConfig, Err: ErrNoDIDs}
	}

	floor, err := e.floor(ctx, dids, opts)
	if err != nil {
		return result, &SyncError{Kind: KindDatabase, Err: err}
	}
	retrieveDeleted := !opts.ForceRecentOnly && e.cfg.RetrieveDeletedMessages()

	result.Floor = floor
	result.Windows = Windows(floor, result.StartedAt, MaxWindowDays)
	requests := make([]request, 0, len(result.Windows)*len(dids))
	for _, w := range result.Windows {
		for _, did := range dids {
			requests = append(requests, request{did: did, window: w})
		}
	}
	result.Requests = len(requests)
	e.total.Store(int64(len(requests)))

	e.logger.Debug("sync plan",
		zap.Time("floor", floor),
		zap.Int("windows", len(result.Windows)),
		zap.Strings("dids", dids),
		zap.Bool("retrieve_deleted", retrieveDeleted))

	incoming := make(map[store.ConversationID]struct{})
	defer func() {
		if len(incoming) > 0 {
			result.NewConversations = sortedConversations(incoming)
			e.notifier.OnNewMessages(ctx, result.NewConversations)
		}
	}()

	for _, req := range requests {
		if e.cancelled.Load() {
			return result, &SyncError{Kind: KindCancelled, Err: errors.New("cancelled by user")}
		}
		if err := ctx.Err(); err != nil {
			return result, &SyncError{Kind: KindCancelled, Err: err}
		}

		// A started request always runs to completion; the gateway timeouts
		// bound it.
		reqCtx := context.WithoutCancel(ctx)
		e.cntRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("did", req.did)))
		records, err := e.gateway.FetchMessages(reqCtx, req.did, req.window.From, req.window.To)
		if err != nil {
			return result, gatewayError(err)
		}
		merged, err := e.db.MergeRemoteMessages(reqCtx, records, retrieveDeleted)
		if err != nil {
			return result, &SyncError{Kind: KindDatabase, Err: err}
		}

		result.Completed++
		result.Fetched += len(records)
		result.Inserted += merged.Inserted
		result.Skipped += merged.Skipped
		for conv := range merged.Incoming {
			incoming[conv] = struct{}{}
		}
		if merged.Inserted > 0 {
			e.bus.Publish(bus.NewEvent(bus.MessagesMerged, map[string]int{
				"inserted": merged.Inserted,
				"skipped":  merged.Skipped,
			}))
		}

		e.completed.Store(int64(result.Completed))
		progress := progressOf(result.Completed, result.Requests)
		e.bus.Publish(bus.NewEvent(bus.SyncProgress, progress))
		e.logger.Debug("sync request done",
			zap.String("did", req.did),
			zap.Time("from", req.window.From),
			zap.Time("to", req.window.To),
			zap.Int("records", len(records)),
			zap.Int("inserted", merged.Inserted),
			zap.Int("percent", progress.Percent))
	}

	if result.Full {
		if err := e.reconciler.RecordFullSync(ctx, result.StartedAt); err != nil {
			return result, &SyncError{Kind: KindDatabase, Err: err}
		}
	}
	return result, nil
}

// floor returns the first day to fetch. Recent-only syncs start from the day
// of the newest stored message, falling back to the configured start date.
func (e *Engine) floor(ctx context.Context, dids []string, opts Options) (time.Time, error) {
	floor := e.cfg.SyncStartDate()
	if opts.ForceRecentOnly || e.cfg.RetrieveOnlyRecentMessages() {
		latest, err := e.db.MostRecentMessage(ctx, dids)
		if err != nil {
			return time.Time{}, err
		}
		if latest != nil {
			floor = latest.Time()
		}
	}
	return startOfDay(floor), nil
}

func (e *Engine) publishNewMessages(_ context.Context, convs []store.ConversationID) {
	e.bus.Publish(bus.NewEvent(bus.NotifyNewMessages, convs))
}

func sortedConversations(set map[store.ConversationID]struct{}) []store.ConversationID {
	convs := make([]store.ConversationID, 0, len(set))
	for conv := range set {
		convs = append(convs, conv)
	}
	slices.SortFunc(convs, func(a, b store.ConversationID) int {
		return strings.Compare(a.String(), b.String())
	})
	return convs
}
