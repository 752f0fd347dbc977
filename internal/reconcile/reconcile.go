package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"voltchain/internal/alerting"
	"voltchain/internal/errs"
	"voltchain/internal/events"
	"voltchain/internal/ledger"
	"voltchain/internal/storage"
)

const (
	// defaultBatchSize is also the upper bound for one flush.
	defaultBatchSize   = 50
	defaultItemTimeout = 15 * time.Second
	storeTimeout       = 5 * time.Second
	maxErrorLength     = 500

	sentUpdateAttempts = 3
	sentRetryPause     = 200 * time.Millisecond
)

// ReadingStore is the reading access the processor needs.
type ReadingStore interface {
	ListReadingsByStatus(ctx context.Context, status storage.LedgerStatus, limit int) ([]storage.Reading, error)
	MarkReadingSent(ctx context.Context, id uuid.UUID, ref string, at time.Time) error
	MarkReadingFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	MarkReadingUnconfirmed(ctx context.Context, id uuid.UUID, ref, reason string, at time.Time) error
	RequeueFailed(ctx context.Context, maxAttempts int, backoff time.Duration, now time.Time) (int64, error)
}

// Options tune a Processor.
type Options struct {
	// LedgerEnabled is the platform-wide ledger switch.
	LedgerEnabled bool
	BatchSize     int
	Concurrency   int
	ItemTimeout   time.Duration
	// MaxAttempts bounds ledger submissions per reading; 1 makes failed terminal.
	MaxAttempts  int
	RetryBackoff time.Duration
	// AlertMinimum is the failure count that triggers an operator alert.
	AlertMinimum int
}

// ItemError records one reading that could not be ledgered.
type ItemError struct {
	ReadingID string `json:"reading_id"`
	Error     string `json:"error"`
}

// Report summarises one flush.
type Report struct {
	Message       string      `json:"message"`
	Processed     int         `json:"processed"`
	Failed        int         `json:"failed"`
	Total         int         `json:"total"`
	Skipped       int         `json:"skipped"`
	Requeued      int64       `json:"requeued"`
	LedgerEnabled bool        `json:"ledger_enabled"`
	Errors        []ItemError `json:"errors,omitempty"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
)

type itemResult struct {
	outcome outcome
	err     string
}

// Processor pushes pending readings to the ledger.
type Processor struct {
	store     ReadingStore
	ledger    ledger.Client
	locker    Locker
	publisher events.Publisher
	notifier  alerting.Notifier
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time

	retryPause time.Duration
	// unconfirmed holds ledger references that could not be written at all;
	// the next flush records them instead of submitting again.
	mu          sync.Mutex
	unconfirmed map[uuid.UUID]string
}

// New constructs a Processor. client may be nil when the ledger is not
// configured; locker, publisher and notifier are optional.
func New(store ReadingStore, client ledger.Client, locker Locker, publisher events.Publisher, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Processor {
	if opts.BatchSize <= 0 || opts.BatchSize > defaultBatchSize {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = defaultItemTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Processor{
		store:     store,
		ledger:    client,
		locker:    locker,
		publisher: publisher,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With().Str("component", "reconcile").Logger(),
		now:       time.Now,

		retryPause:  sentRetryPause,
		unconfirmed: make(map[uuid.UUID]string),
	}
}

// Configured reports whether flushes can reach a ledger.
func (p *Processor) Configured() bool {
	return p.opts.LedgerEnabled && p.ledger != nil
}

// Flush submits up to one batch of pending readings, oldest first. Per-item
// failures are recorded on the reading and counted, never returned.
func (p *Processor) Flush(ctx context.Context) (Report, error) {
	return p.flush(ctx, "manual")
}

// FlushTick adapts Flush to the scheduler.
func (p *Processor) FlushTick(ctx context.Context, _ time.Time) error {
	_, err := p.flush(ctx, "schedule")
	return err
}

func (p *Processor) flush(ctx context.Context, trigger string) (Report, error) {
	if !p.Configured() {
		return Report{Message: "ledger integration not configured", LedgerEnabled: false}, nil
	}

	unlock, proceed, err := p.acquireLock(ctx)
	if err != nil {
		return Report{}, errs.Wrap(errs.Internal, "flush failed", err)
	}
	if !proceed {
		p.logger.Debug().Msg("skip flush because another flush holds the lock")
		return Report{Message: "flush already in progress", LedgerEnabled: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	report := Report{LedgerEnabled: true}
	report.Requeued = p.requeue(ctx)

	batch, err := p.store.ListReadingsByStatus(ctx, storage.StatusPending, p.opts.BatchSize)
	if err != nil {
		return Report{}, errs.Wrap(errs.Internal, "failed to fetch pending readings", err)
	}
	report.Total = len(batch)
	if len(batch) == 0 {
		report.Message = "no pending readings to process"
		return report, nil
	}

	results := p.submitAll(ctx, batch)
	for i, res := range results {
		switch res.outcome {
		case outcomeSent:
			report.Processed++
		case outcomeFailed:
			report.Failed++
			report.Errors = append(report.Errors, ItemError{ReadingID: batch[i].ID.String(), Error: res.err})
		default:
			report.Skipped++
		}
	}
	report.Message = "ledger flush completed"
	if report.Skipped > 0 {
		report.Message = "ledger flush interrupted"
	}

	p.logger.Info().
		Str("trigger", trigger).
		Int("processed", report.Processed).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Int("total", report.Total).
		Int64("requeued", report.Requeued).
		Msg("flush complete")

	p.alert(ctx, trigger, report)
	return report, nil
}

func (p *Processor) submitAll(ctx context.Context, batch []storage.Reading) []itemResult {
	results := make([]itemResult, len(batch))

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i := range batch {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = p.submit(ctx, batch[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// submit sends one reading. A cancelled parent leaves the reading pending.
func (p *Processor) submit(ctx context.Context, r storage.Reading) itemResult {
	if ctx.Err() != nil {
		return itemResult{outcome: outcomeSkipped}
	}
	if ref, ok := p.takeUnconfirmed(r.ID); ok {
		p.logger.Info().Str("reading_id", r.ID.String()).Str("reference", ref).Msg("recording earlier ledger acceptance")
		return p.recordSent(ctx, r, ref)
	}

	itemCtx, cancel := context.WithTimeout(ctx, p.opts.ItemTimeout)
	receipt, err := p.ledger.Submit(itemCtx, ledger.Record{
		AccountRef: r.DeviceID.String(),
		Quantity:   r.EnergyKWh,
		Timestamp:  r.DeviceTimestamp,
	})
	cancel()

	if err != nil && ctx.Err() != nil {
		p.logger.Warn().Str("reading_id", r.ID.String()).Msg("flush cancelled; reading left pending")
		return itemResult{outcome: outcomeSkipped}
	}

	if err == nil {
		return p.recordSent(ctx, r, receipt.Reference)
	}

	storeCtx, storeCancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer storeCancel()
	at := p.now().UTC()

	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("ledger submit timed out after %s: %w", p.opts.ItemTimeout, err)
	}
	reason := truncate(err.Error())
	p.logger.Warn().Err(err).Str("reading_id", r.ID.String()).Msg("ledger submission failed")
	if markErr := p.store.MarkReadingFailed(storeCtx, r.ID, reason, at); markErr != nil {
		p.logger.Error().Err(markErr).Str("reading_id", r.ID.String()).Msg("failed to mark reading failed")
	}
	p.publish(storeCtx, r, events.ReadingFailed, storage.StatusFailed, "", reason)
	return itemResult{outcome: outcomeFailed, err: reason}
}

// recordSent writes the sent transition for a reading the ledger accepted.
// When that keeps failing the reading is parked as failed with its reference,
// which selection and requeue both skip. If even that write fails the
// reference is held in memory so the reading is never submitted twice.
func (p *Processor) recordSent(ctx context.Context, r storage.Reading, ref string) itemResult {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	at := p.now().UTC()

	var err error
	for attempt := 1; attempt <= sentUpdateAttempts; attempt++ {
		if err = p.store.MarkReadingSent(storeCtx, r.ID, ref, at); err == nil {
			p.publish(storeCtx, r, events.ReadingLedgered, storage.StatusSent, ref, "")
			return itemResult{outcome: outcomeSent}
		}
		if attempt < sentUpdateAttempts && !pause(storeCtx, p.retryPause*time.Duration(attempt)) {
			break
		}
	}

	reason := truncate(fmt.Sprintf("ledger accepted reading as %s but status update failed: %v", ref, err))
	p.logger.Error().Err(err).
		Str("reading_id", r.ID.String()).
		Str("reference", ref).
		Msg("ledger accepted reading but status update failed")
	if markErr := p.store.MarkReadingUnconfirmed(storeCtx, r.ID, ref, reason, at); markErr != nil {
		p.logger.Error().Err(markErr).Str("reading_id", r.ID.String()).Msg("failed to park unconfirmed reading")
		p.rememberUnconfirmed(r.ID, ref)
	}
	return itemResult{outcome: outcomeFailed, err: reason}
}

func (p *Processor) rememberUnconfirmed(id uuid.UUID, ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unconfirmed[id] = ref
}

func (p *Processor) takeUnconfirmed(id uuid.UUID) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.unconfirmed[id]
	if ok {
		delete(p.unconfirmed, id)
	}
	return ref, ok
}

func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// requeue returns failed readings whose backoff elapsed to pending.
func (p *Processor) requeue(ctx context.Context) int64 {
	if p.opts.MaxAttempts <= 1 {
		return 0
	}
	n, err := p.store.RequeueFailed(ctx, p.opts.MaxAttempts, p.opts.RetryBackoff, p.now().UTC())
	if err != nil {
		p.logger.Warn().Err(err).Msg("requeue failed readings")
		return 0
	}
	if n > 0 {
		p.logger.Info().Int64("requeued", n).Msg("failed readings requeued for retry")
	}
	return n
}

func (p *Processor) publish(ctx context.Context, r storage.Reading, kind string, status storage.LedgerStatus, ref, reason string) {
	err := p.publisher.Publish(ctx, events.Event{
		Type:       kind,
		ReadingID:  r.ID.String(),
		DeviceID:   r.DeviceID.String(),
		EnergyKWh:  r.EnergyKWh.String(),
		Status:     string(status),
		Reference:  ref,
		Error:      reason,
		OccurredAt: p.now().UTC(),
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("reading_id", r.ID.String()).Msg("publish event failed")
	}
}

func (p *Processor) alert(ctx context.Context, trigger string, report Report) {
	if p.notifier == nil || report.Failed == 0 || report.Failed < p.opts.AlertMinimum {
		return
	}
	msgs := make([]string, 0, len(report.Errors))
	for _, e := range report.Errors {
		msgs = append(msgs, e.ReadingID+": "+e.Error)
	}
	note := alerting.Notification{
		FlushedAt: p.now(),
		Trigger:   trigger,
		Processed: report.Processed,
		Failed:    report.Failed,
		Total:     report.Total,
		Requeued:  report.Requeued,
		Errors:    msgs,
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := p.notifier.Notify(alertCtx, note); err != nil {
		p.logger.Error().Err(err).Msg("failed to dispatch flush alert")
	}
}

func truncate(s string) string {
	if len(s) <= maxErrorLength {
		return s
	}
	return s[:maxErrorLength]
}
