package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"tgninja/internal/storage"
	"tgninja/pkg/logx"
)

const dispatchParallel = 8

// Tick dispatches every job of kind that is due now. One job failing to
// dispatch, or panicking, does not keep the others from being dispatched.
// A tick that lands while a job is still running skips that job.
func (s *Service) Tick(ctx context.Context, kind storage.Kind) (TickReport, error) {
	rep := TickReport{Kind: kind}
	jobs, err := s.store.FindDueJobs(ctx, kind, s.clk.Now())
	if err != nil {
		return rep, errors.Wrapf(err, "find due %s jobs", kind)
	}
	rep.Due = len(jobs)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(dispatchParallel)
	for _, job := range jobs {
		g.Go(func() error {
			err := s.dispatch(ctx, job)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				rep.Dispatched++
			case skipped(err):
				rep.Skipped++
			default:
				rep.Failed++
			}
			s.reportDispatchError(job.ID, err)
			return nil
		})
	}
	_ = g.Wait()
	return rep, nil
}

func (s *Service) dispatch(ctx context.Context, job storage.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("dispatch panic: %s", fmt.Sprint(r))
			s.log.Error("dispatch panic", logx.JobID(job.ID), logx.Any("panic", r))
		}
	}()
	_, err = s.disp.Dispatch(ctx, job)
	return err
}

// Cleanup removes activity records older than the retention window.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	keep := s.cfg.ActivityRetention
	s.mu.Unlock()
	n, err := s.store.PruneActivity(ctx, s.clk.Now().Add(-keep))
	return n, errors.Wrap(err, "prune activity")
}
