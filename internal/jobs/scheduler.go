// Package jobs runs the background sweeps: approval expiry, token cleanup,
// and audit retention.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/revittco/mcprouter/internal/approval"
	"github.com/revittco/mcprouter/internal/store"
	"github.com/revittco/mcprouter/internal/token"
)

// Schedules, in six-field cron syntax (with seconds).
const (
	approvalSweepSpec = "*/30 * * * * *"
	tokenCleanupSpec  = "0 0 * * * *"
	auditRetainSpec   = "0 0 3 * * *"
)

// DefaultAuditRetention keeps ninety days of audit events.
const DefaultAuditRetention = 90 * 24 * time.Hour

// Scheduler owns the cron runner.
type Scheduler struct {
	cron           *cron.Cron
	log            *slog.Logger
	approvals      *approval.Queue
	tokens         *token.Service
	audits         store.AuditStore
	auditRetention time.Duration
}

// New builds the scheduler. Any nil dependency disables its sweep.
func New(approvals *approval.Queue, tokens *token.Service, audits store.AuditStore, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron:           cron.New(cron.WithSeconds()),
		log:            log,
		approvals:      approvals,
		tokens:         tokens,
		audits:         audits,
		auditRetention: DefaultAuditRetention,
	}
}

// Start registers the sweeps and starts the runner.
func (s *Scheduler) Start() error {
	if s.approvals != nil {
		if _, err := s.cron.AddFunc(approvalSweepSpec, s.sweepApprovals); err != nil {
			return err
		}
	}
	if s.tokens != nil {
		if _, err := s.cron.AddFunc(tokenCleanupSpec, s.cleanupTokens); err != nil {
			return err
		}
	}
	if s.audits != nil {
		if _, err := s.cron.AddFunc(auditRetainSpec, s.pruneAudit); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the runner and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) sweepApprovals() {
	if n := s.approvals.SweepExpired(); n > 0 {
		s.log.Info("expired stale approvals", "count", n)
	}
}

func (s *Scheduler) cleanupTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.tokens.CleanupExpired(ctx)
	if err != nil {
		s.log.Warn("token cleanup failed", "err", err)
		return
	}
	if n > 0 {
		s.log.Info("removed expired tokens", "count", n)
	}
}

func (s *Scheduler) pruneAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	cutoff := time.Now().Add(-s.auditRetention).UnixMilli()
	n, err := s.audits.DeleteAuditEventsOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Warn("audit retention failed", "err", err)
		return
	}
	if n > 0 {
		s.log.Info("pruned audit events", "count", n, "cutoff", cutoff)
	}
}
