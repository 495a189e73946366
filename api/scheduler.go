/*
scheduler.go - Automated payment batch scheduler

PURPOSE:
  Periodically batches approved calculations into payments for the last
  completed period (e.g. last month for a monthly cadence), one payment per
  recipient.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each run computes the previous period for the configured frequency
  - Lists recipients with approved calculations in that period, grouped
    into waves by the lowest level they hold (primary recipients first)
  - Runs the waves in order, each with bounded concurrency (errgroup)
  - Recipients with nothing left to pay are skipped, not failed; payment
    generation claims calculations atomically, so overlapping runs never
    pay a calculation twice

SHARED CALCULATIONS:
  A payment claims whole calculations. Because primaries go first, a
  calculation shared by an animator and a manager is paid to the animator
  and the manager is skipped for it. Within one wave, a recipient who is
  primary on one calculation and manager on another can still race the
  other primary for the second one; which of them claims it is not fixed.

CONFIGURATION:
  - Interval:    How often to run (default: 1 hour)
  - Frequency:   Which period to batch (default: monthly)
  - Concurrency: Parallel recipients per run (default: 4)
  - Enabled:     Whether the ticker starts at all (default: false)

USAGE:
  scheduler := NewPaymentScheduler(engine, logger)
  scheduler.Enabled = true
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: BatchRun endpoint (manual trigger)
  - commission/batcher.go: Payment generation
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
	"golang.org/x/sync/errgroup"
)

// PaymentScheduler handles automated payment batching.
type PaymentScheduler struct {
	Engine      *commission.Engine
	Logger      *slog.Logger
	Interval    time.Duration
	Frequency   commission.PaymentFrequency
	Concurrency int
	Enabled     bool

	// Now overrides the clock used to pick the period.
	Now func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// BatchResult reports one scheduler run.
type BatchResult struct {
	Period     commission.Period
	Recipients int
	Payments   []commission.Payment
	Skipped    int
	Failed     int
}

// NewPaymentScheduler creates a new scheduler.
func NewPaymentScheduler(engine *commission.Engine, logger *slog.Logger) *PaymentScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentScheduler{
		Engine:      engine,
		Logger:      logger,
		Interval:    time.Hour,
		Frequency:   commission.FrequencyMonthly,
		Concurrency: 4,
		Now:         time.Now,
	}
}

// Start begins the scheduler.
func (ps *PaymentScheduler) Start() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.Enabled {
		ps.Logger.Info("[Scheduler] Disabled, not starting")
		return
	}
	if ps.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ps.cancel = cancel
	ps.stop = make(chan struct{})
	ps.ticker = time.NewTicker(ps.Interval)
	ps.wg.Add(1)

	go ps.run(ctx)

	ps.Logger.Info("[Scheduler] Started",
		slog.Duration("interval", ps.Interval),
		slog.String("frequency", string(ps.Frequency)),
		slog.Int("concurrency", ps.Concurrency),
	)
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (ps *PaymentScheduler) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.ticker != nil {
		ps.ticker.Stop()
		close(ps.stop)
		ps.cancel()
		ps.wg.Wait()
		ps.ticker = nil
		ps.Logger.Info("[Scheduler] Stopped")
	}
}

func (ps *PaymentScheduler) run(ctx context.Context) {
	defer ps.wg.Done()

	// Run immediately on start
	ps.runOnce(ctx)

	for {
		select {
		case <-ps.ticker.C:
			ps.runOnce(ctx)
		case <-ps.stop:
			return
		}
	}
}

func (ps *PaymentScheduler) runOnce(ctx context.Context) {
	if _, err := ps.RunNow(ctx); err != nil {
		ps.Logger.Error("[Scheduler] Run failed", slog.Any("error", err))
	}
}

// LastCompletedPeriod returns the period the next run will batch.
func (ps *PaymentScheduler) LastCompletedPeriod() commission.Period {
	return commission.PreviousPeriod(ps.Frequency, ps.Now())
}

// RunNow batches the last completed period immediately (for testing/admin).
func (ps *PaymentScheduler) RunNow(ctx context.Context) (BatchResult, error) {
	return ps.RunPeriod(ctx, ps.LastCompletedPeriod())
}

// RunPeriod generates a payment for every recipient with approved
// calculations in the period. Recipients are batched in waves by the lowest
// level they hold, primary recipients first; each wave runs concurrently and
// finishes before the next starts.
func (ps *PaymentScheduler) RunPeriod(ctx context.Context, period commission.Period) (BatchResult, error) {
	result := BatchResult{Period: period}

	waves, err := ps.Engine.EligibleRecipientsByLevel(ctx, period)
	if err != nil {
		return result, err
	}
	for _, wave := range waves {
		result.Recipients += len(wave)
	}

	ps.Logger.Info("[Scheduler] Batching payments",
		slog.String("period", period.String()),
		slog.Int("recipients", result.Recipients),
		slog.Int("waves", len(waves)),
	)

	for _, wave := range waves {
		if err := ps.runWave(ctx, period, wave, &result); err != nil {
			return result, err
		}
	}

	sort.Slice(result.Payments, func(i, j int) bool {
		return result.Payments[i].RecipientID < result.Payments[j].RecipientID
	})

	if len(result.Payments) > 0 || result.Failed > 0 {
		ps.Logger.Info("[Scheduler] Completed",
			slog.Int("payments", len(result.Payments)),
			slog.Int("skipped", result.Skipped),
			slog.Int("failed", result.Failed),
		)
	}
	return result, nil
}

func (ps *PaymentScheduler) runWave(ctx context.Context, period commission.Period, recipients []commission.RecipientID, result *BatchResult) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(ps.Concurrency, 1))

	for _, recipientID := range recipients {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			payment, err := ps.Engine.GeneratePayment(gctx, recipientID, period.Start, period.End)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Payments = append(result.Payments, payment)
				ps.Logger.Info("[Scheduler] Payment generated",
					slog.String("recipient_id", string(recipientID)),
					slog.String("payment_id", string(payment.ID)),
					slog.String("total", payment.TotalAmount.String()),
				)
			case errors.Is(err, commission.ErrNoEligibleCalculations):
				// Claimed by an earlier wave or another run.
				result.Skipped++
				ps.Logger.Debug("[Scheduler] Nothing to pay", slog.String("recipient_id", string(recipientID)))
			default:
				result.Failed++
				ps.Logger.Error("[Scheduler] Payment generation failed",
					slog.String("recipient_id", string(recipientID)),
					slog.Any("error", err),
				)
			}
			return nil
		})
	}

	return g.Wait()
}

