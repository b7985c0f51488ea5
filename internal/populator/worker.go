package populator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vitebski/pipeline-populator/internal/cluster"
)

// Worker runs dispatched tasks on the remote side and finishes their bookkeeping
type Worker struct {
	Executor *LocalExecutor
	Jobs     *JobTable
	Requests *CacheRequests
	KeepDone bool
	// PollInterval is the pause after an empty poll
	PollInterval time.Duration
	Logger       *logrus.Logger

	registry map[string]ComputeFunc
}

// NewWorker creates a worker with an empty compute registry
func NewWorker(executor *LocalExecutor, jobs *JobTable, requests *CacheRequests, logger *logrus.Logger) *Worker {
	return &Worker{
		Executor:     executor,
		Jobs:         jobs,
		Requests:     requests,
		PollInterval: time.Second,
		Logger:       logger,
		registry:     make(map[string]ComputeFunc),
	}
}

// Register binds a task name to its compute function
func (w *Worker) Register(name string, fn ComputeFunc) {
	w.registry[name] = fn
}

// Registered returns the number of known compute functions
func (w *Worker) Registered() int {
	return len(w.registry)
}

// RunJob runs every task of a job. A failing task is recorded and the others still run.
func (w *Worker) RunJob(ctx context.Context, job *cluster.Job) error {
	failed := 0
	for _, task := range job.Tasks {
		if err := w.runTask(ctx, task); err != nil {
			w.Logger.Errorf("Task %s %s of job %s failed: %v", task.Name, task.Key, job.Name, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("job %s: %d of %d tasks failed", job.Name, failed, len(job.Tasks))
	}
	return nil
}

func (w *Worker) runTask(ctx context.Context, task cluster.Task) error {
	fn, ok := w.registry[task.Name]
	var err error
	if !ok {
		err = fmt.Errorf("no compute function registered for %s", task.Name)
	} else {
		_, err = w.Executor.Execute(ctx, Request{Table: task.Name, Key: task.Key, Compute: fn, Args: task.Args})
	}

	if err != nil {
		if w.Jobs != nil {
			if ferr := w.Jobs.FailHash(ctx, task.Name, task.JobHash(), err.Error()); ferr != nil {
				w.Logger.Errorf("Error recording failure of %s %s: %v", task.Name, task.Key, ferr)
			}
		}
		return err
	}

	if w.Jobs != nil {
		release := w.Jobs.CompleteHash
		if w.KeepDone {
			release = w.Jobs.MarkDoneHash
		}
		if err := release(ctx, task.Name, task.JobHash()); err != nil {
			return err
		}
	}
	if task.CacheRequest != "" && w.Requests != nil {
		if err := w.Requests.Fulfill(ctx, task.CacheRequest); err != nil {
			return err
		}
	}
	return nil
}

// Run drains the source until it is empty (once) or the context ends
func (w *Worker) Run(ctx context.Context, source cluster.Source, once bool) (int, error) {
	jobs := 0
	for {
		if err := ctx.Err(); err != nil {
			return jobs, nil
		}
		job, err := source.Next(ctx)
		if errors.Is(err, cluster.ErrNoJob) {
			if once {
				return jobs, nil
			}
			select {
			case <-ctx.Done():
				return jobs, nil
			case <-time.After(w.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return jobs, nil
			}
			return jobs, err
		}
		w.Logger.Infof("Running job %s with %d tasks", job.Name, len(job.Tasks))
		if err := w.RunJob(ctx, job); err != nil {
			w.Logger.Warningf("%v", err)
		}
		jobs++
	}
}
