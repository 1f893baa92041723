// Package queue runs stage jobs from the store-backed job table. The
// queue is a thin at-least-once collaborator: claiming marks a job
// running, and a crashed worker's job is simply re-enqueued by the
// operator or the API. Stage runs are idempotent, so replays converge.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rankforge/listwizard/internal/model"
	"github.com/rankforge/listwizard/internal/store"
)

const stageJobPrefix = "stage:"

// StageJobType builds the job type string for a wizard step.
func StageJobType(step model.Step) string {
	return stageJobPrefix + string(step)
}

// ParseStageJobType extracts the wizard step from a job type.
func ParseStageJobType(jobType string) (model.Step, error) {
	if !strings.HasPrefix(jobType, stageJobPrefix) {
		return "", eris.Errorf("queue: not a stage job type %q", jobType)
	}
	return model.Step(strings.TrimPrefix(jobType, stageJobPrefix)), nil
}

// Enqueue submits a stage job for a list.
func Enqueue(ctx context.Context, st store.Store, listID string, step model.Step) (*model.Job, error) {
	job, err := st.EnqueueJob(ctx, StageJobType(step), listID)
	if err != nil {
		return nil, err
	}
	zap.L().Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("list_id", listID),
		zap.String("type", job.Type))
	return job, nil
}

// StageRunner executes one stage for a list; the stage package
// satisfies it.
type StageRunner interface {
	Run(ctx context.Context, listID string, step model.Step) error
}

// Config tunes the worker pool.
type Config struct {
	Workers      int
	PollInterval time.Duration
	ClaimTimeout time.Duration
}

// Runner polls the job table and executes claimed jobs.
type Runner struct {
	store  store.Store
	stages StageRunner
	cfg    Config
}

// NewRunner creates a Runner.
func NewRunner(st store.Store, stages StageRunner, cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Runner{store: st, stages: stages, cfg: cfg}
}

// Start runs the worker pool until the context is canceled. It always
// returns the context's error.
func (r *Runner) Start(ctx context.Context) error {
	zap.L().Info("queue workers starting", zap.Int("workers", r.cfg.Workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		worker := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return r.workLoop(ctx, worker)
		})
	}
	return g.Wait()
}

func (r *Runner) workLoop(ctx context.Context, worker string) error {
	for {
		job, err := r.store.ClaimJob(ctx)
		if err != nil {
			zap.L().Error("job claim failed", zap.String("worker", worker), zap.Error(err))
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}

		r.execute(ctx, worker, job)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (r *Runner) execute(ctx context.Context, worker string, job *model.Job) {
	logger := zap.L().With(
		zap.String("worker", worker),
		zap.String("job_id", job.ID),
		zap.String("list_id", job.ListID),
		zap.String("type", job.Type))

	step, err := ParseStageJobType(job.Type)
	if err != nil {
		logger.Error("unknown job type", zap.Error(err))
		r.finish(ctx, job.ID, err)
		return
	}

	runCtx := ctx
	if r.cfg.ClaimTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.ClaimTimeout)
		defer cancel()
	}

	logger.Info("job started")
	r.finish(ctx, job.ID, r.stages.Run(runCtx, job.ListID, step))
}

// finish records the job outcome. A failed outcome write leaves the
// job stuck in running; it is logged so the operator can requeue it.
func (r *Runner) finish(ctx context.Context, jobID string, runErr error) {
	var err error
	if runErr != nil {
		err = r.store.FailJob(ctx, jobID, runErr.Error())
	} else {
		err = r.store.CompleteJob(ctx, jobID)
	}
	if err != nil {
		zap.L().Error("job outcome write failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
