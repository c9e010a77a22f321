// Package sweep runs the periodic background jobs spec §4.8/§4.10 require:
// pruning stale Call Matchmaker queue entries and rewriting expired
// temporary bans. Scheduling follows cron expressions evaluated with
// github.com/adhocore/gronx, the teacher's cron dependency.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/interchat/core/internal/store"
)

// Job is one scheduled sweep: a cron expression plus the work it triggers.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// Scheduler evaluates each Job's cron expression once per tick and runs any
// job that is due.
type Scheduler struct {
	jobs []Job
	gron gronx.Gronx
	tick time.Duration
}

// New constructs a Scheduler. tick is how often due-ness is re-checked; it
// should be no coarser than the finest granularity among the jobs' cron
// expressions (typically one minute).
func New(tick time.Duration, jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, gron: gronx.New(), tick: tick}
}

// Run blocks, evaluating jobs every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDueJobs(ctx)
		}
	}
}

func (s *Scheduler) runDueJobs(ctx context.Context) {
	for _, job := range s.jobs {
		due, err := s.gron.IsDue(job.Expr)
		if err != nil {
			slog.Error("invalid sweep cron expression", "job", job.Name, "expr", job.Expr, "error", err)
			continue
		}
		if !due {
			continue
		}
		if err := job.Run(ctx); err != nil {
			slog.Error("sweep job failed", "job", job.Name, "error", err)
		}
	}
}

// BanSweepJob rewrites TEMPORARY bans whose expiry has passed (spec §4.10:
// "a scheduled sweeper rewrites them").
func BanSweepJob(expr string, bans store.BanStore) Job {
	return Job{
		Name: "sweep_expired_bans",
		Expr: expr,
		Run: func(ctx context.Context) error {
			n, err := bans.SweepExpiredBans(ctx, time.Now())
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("swept expired bans", "count", n)
			}
			return nil
		},
	}
}

// CallRequestSweepJob prunes Call Matchmaker queue entries older than
// maxWait (spec §4.8 Liveness).
func CallRequestSweepJob(expr string, sweepStale func(ctx context.Context) (int, error)) Job {
	return Job{
		Name: "sweep_stale_call_requests",
		Expr: expr,
		Run: func(ctx context.Context) error {
			n, err := sweepStale(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("pruned stale call requests", "count", n)
			}
			return nil
		},
	}
}
