// ABOUTME: Cron-scheduled sweep over idle conversations and stale pending payments
// ABOUTME: RunOnce performs a single pass; Scheduler repeats it on a cron expression

package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/agentchat/internal/conversation"
	"github.com/2389/agentchat/internal/store"
)

// ScheduleOff disables the scheduled sweep
const ScheduleOff = "off"

// cronParser accepts standard 5-field expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Store is the persistence the sweep reads from
type Store interface {
	ListIdleConversations(ctx context.Context, before time.Time) ([]*store.Conversation, error)
	ExpirePendingPayments(ctx context.Context, before time.Time) (int, error)
}

// Archiver moves a conversation out of the active state
type Archiver interface {
	ArchiveIdle(ctx context.Context, conversationID string) error
}

// Config controls what counts as stale
type Config struct {
	Schedule      string
	ArchiveAfter  time.Duration
	PaymentExpiry time.Duration
}

// Result summarizes one sweep
type Result struct {
	Archived        int
	ExpiredPayments int
}

// Sweeper performs the cleanup
type Sweeper struct {
	store    Store
	archiver Archiver
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. A zero ArchiveAfter or PaymentExpiry skips
// that half of the sweep.
func NewSweeper(s Store, archiver Archiver, cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    s,
		archiver: archiver,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With("component", "maintenance"),
	}
}

// RunOnce archives conversations idle since before now-ArchiveAfter and
// cancels payments still pending after PaymentExpiry.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	now := s.now()

	if s.cfg.ArchiveAfter > 0 {
		idle, err := s.store.ListIdleConversations(ctx, now.Add(-s.cfg.ArchiveAfter))
		if err != nil {
			return res, fmt.Errorf("listing idle conversations: %w", err)
		}
		for _, conv := range idle {
			err := s.archiver.ArchiveIdle(ctx, conv.ID)
			switch {
			case err == nil:
				res.Archived++
			case errors.Is(err, conversation.ErrNotActive), errors.Is(err, conversation.ErrConversationNotFound):
				// closed or archived since it was listed
			default:
				return res, fmt.Errorf("archiving %s: %w", conv.ID, err)
			}
		}
	}

	if s.cfg.PaymentExpiry > 0 {
		n, err := s.store.ExpirePendingPayments(ctx, now.Add(-s.cfg.PaymentExpiry))
		if err != nil {
			return res, fmt.Errorf("expiring payments: %w", err)
		}
		res.ExpiredPayments = n
	}

	if res.Archived > 0 || res.ExpiredPayments > 0 {
		s.logger.Info("maintenance sweep", "archived", res.Archived, "expired_payments", res.ExpiredPayments)
	}
	return res, nil
}

// Scheduler runs a Sweeper on a cron expression
type Scheduler struct {
	sweeper *Sweeper
	cron    *cron.Cron
	logger  *slog.Logger
	mu      sync.Mutex // one sweep at a time
}

// NewScheduler validates the expression and prepares the schedule. It returns
// a nil Scheduler when the schedule is "off".
func NewScheduler(sweeper *Sweeper, schedule string, logger *slog.Logger) (*Scheduler, error) {
	if schedule == ScheduleOff {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		sweeper: sweeper,
		cron:    cron.New(cron.WithParser(cronParser)),
		logger:  logger.With("component", "maintenance"),
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	if !s.mu.TryLock() {
		s.logger.Warn("previous sweep still running, skipping")
		return
	}
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := s.sweeper.RunOnce(ctx); err != nil {
		s.logger.Error("maintenance sweep failed", "error", err)
	}
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running sweep to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("maintenance scheduled", "next", s.Next(time.Now()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Next reports the time of the next sweep
func (s *Scheduler) Next(from time.Time) time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Schedule.Next(from)
}
