package followup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ravelino/chatpilot/pkg/chatpilot/store"
)

// Outcome reports what the handler did with a due entry.
type Outcome int

const (
	// OutcomeSent: the follow-up message went out.
	OutcomeSent Outcome = iota
	// OutcomeSkipped: the safety gate denied the send. Denial is silence,
	// not an error; the entry is cancelled rather than retried.
	OutcomeSkipped
)

// Handler processes one due follow-up entry. Returning an error routes the
// entry through the retry/backoff path; a timeout is a retryable failure,
// never a silent no-op.
type Handler func(ctx context.Context, f *store.FollowUp) (Outcome, error)

// DueSource reads due follow-up rows. Satisfied by *store.Store.
type DueSource interface {
	DueFollowUps(ctx context.Context, now time.Time, limit int) ([]*store.FollowUp, error)
}

// Poller ticks on a cron interval and hands due entries to the handler.
// Timing lives in the follow-up rows, not in process memory, so a restart
// loses nothing.
type Poller struct {
	source    DueSource
	scheduler *Scheduler
	handler   Handler
	logger    *slog.Logger

	cron      *cron.Cron
	interval  string
	batchSize int
	timeout   time.Duration

	// running guards against overlapping ticks when a batch outlasts the
	// interval.
	running bool
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPoller creates a Poller. interval is a cron spec ("@every 1m" if empty).
func NewPoller(source DueSource, scheduler *Scheduler, handler Handler, interval string, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval == "" {
		interval = "@every 1m"
	}
	return &Poller{
		source:    source,
		scheduler: scheduler,
		handler:   handler,
		logger:    logger.With("component", "followup-poller"),
		interval:  interval,
		batchSize: 25,
		timeout:   2 * time.Minute,
	}
}

// Start begins ticking.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.cron = cron.New()
	if _, err := p.cron.AddFunc(p.interval, p.tick); err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("follow-up poller started", "interval", p.interval)
	return nil
}

// Stop shuts the poller down, waiting briefly for an in-flight tick.
func (p *Poller) Stop() {
	if p.cron != nil {
		stopCtx := p.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(10 * time.Second):
			p.logger.Warn("poller stop timed out")
		}
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.logger.Info("follow-up poller stopped")
}

// tick drains one batch of due entries.
func (p *Poller) tick() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		p.logger.Debug("skipping tick (previous batch still running)")
		return
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		if r := recover(); r != nil {
			p.logger.Error("follow-up tick panicked", "panic", r)
		}
	}()

	p.ProcessDue(p.ctx, time.Now())
}

// ProcessDue handles every due entry once. Exposed so callers (tests, a
// manual CLI run) can drive a tick themselves.
func (p *Poller) ProcessDue(ctx context.Context, now time.Time) {
	due, err := p.source.DueFollowUps(ctx, now, p.batchSize)
	if err != nil {
		p.logger.Error("failed to load due follow-ups", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	p.logger.Info("processing due follow-ups", "count", len(due))

	for _, f := range due {
		fctx, cancel := context.WithTimeout(ctx, p.timeout)
		outcome, err := p.handler(fctx, f)
		cancel()

		switch {
		case err != nil:
			p.logger.Warn("follow-up delivery failed",
				"follow_up_id", f.ID, "conversation_id", f.ConversationID, "error", err)
			if _, mErr := p.scheduler.MarkFailed(ctx, f.ID); mErr != nil {
				p.logger.Error("failed to record follow-up failure",
					"follow_up_id", f.ID, "error", mErr)
			}
		case outcome == OutcomeSkipped:
			if err := p.scheduler.Cancel(ctx, f.ID); err != nil {
				p.logger.Error("failed to cancel skipped follow-up",
					"follow_up_id", f.ID, "error", err)
			}
		default:
			if err := p.scheduler.MarkSent(ctx, f.ID); err != nil {
				p.logger.Error("failed to mark follow-up sent",
					"follow_up_id", f.ID, "error", err)
			}
		}
	}
}
