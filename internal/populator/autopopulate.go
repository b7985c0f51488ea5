// Package populator fills derived tables: it finds the keys of a source relation
// that have no rows yet in the target, reserves them in the job table, and runs or
// dispatches the target's compute function for each of them.
package populator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vitebski/pipeline-populator/internal/relvar"
	"github.com/vitebski/pipeline-populator/pkg/apperrors"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

// Options controls one population run
type Options struct {
	// Restrictions narrow the source before unpopulated keys are computed
	Restrictions []relvar.Restriction
	// Reserve claims every key in the job table before computing it
	Reserve bool
	// KeepDone leaves a done marker instead of deleting the reservation
	KeepDone bool
	// Executor defaults to a LocalExecutor
	Executor Executor
	// Args are passed to the compute function
	Args []interface{}
}

// AutoPopulator fills Target from the keys of Source
type AutoPopulator struct {
	Target  *relvar.Relvar
	Source  *relvar.Relvar
	Compute ComputeFunc
	Jobs    *JobTable
	Logger  *logrus.Logger
}

// NewAutoPopulator creates a populator for a target table
func NewAutoPopulator(target, source *relvar.Relvar, compute ComputeFunc, jobs *JobTable, logger *logrus.Logger) *AutoPopulator {
	return &AutoPopulator{
		Target:  target,
		Source:  source,
		Compute: compute,
		Jobs:    jobs,
		Logger:  logger,
	}
}

func (ap *AutoPopulator) validate(opts Options) error {
	name := ""
	if ap.Target != nil {
		name = ap.Target.Table().Name
	}
	if ap.Target == nil {
		return &apperrors.PopulationConfigError{Table: name, Reason: "no target table"}
	}
	if ap.Source == nil {
		return &apperrors.PopulationConfigError{Table: name, Reason: "no source relation"}
	}
	pk := ap.Source.Table().PrimaryKey()
	if len(pk) == 0 {
		return &apperrors.PopulationConfigError{Table: name, Reason: "source has no primary key"}
	}
	for _, attr := range pk {
		if !ap.Target.Table().HasColumn(attr) {
			return &apperrors.PopulationConfigError{
				Table:  name,
				Reason: fmt.Sprintf("target lacks source key attribute %s", attr),
			}
		}
	}
	if opts.Reserve && ap.Jobs == nil {
		return &apperrors.PopulationConfigError{Table: name, Reason: "reservation requested without a job table"}
	}
	return nil
}

// Unpopulated returns the source keys that have no rows in the target, ordered by key
func (ap *AutoPopulator) Unpopulated(ctx context.Context, restrictions ...relvar.Restriction) ([]models.Key, error) {
	return ap.Source.Restrict(restrictions...).Minus(ap.Target.Table()).FetchKeys(ctx)
}

// Populate computes every unpopulated key. A failing key is recorded and the run
// continues; the returned error is reserved for failures of the run itself.
// Once prepared, dispatched work is flushed even when the run stops early.
func (ap *AutoPopulator) Populate(ctx context.Context, opts Options) (result *models.PopulationResult, err error) {
	if err := ap.validate(opts); err != nil {
		return nil, err
	}
	table := ap.Target.Table().Name
	db := ap.Target.Engine().DB

	if db.InTransaction() {
		ap.Logger.Warningf("Populate of %s called inside a transaction; cancelling it", table)
		if err := db.CancelTransaction(ctx); err != nil {
			return nil, err
		}
	}

	executor := opts.Executor
	if executor == nil {
		executor = NewLocalExecutor(db, ap.Logger)
	}

	keys, err := ap.Unpopulated(ctx, opts.Restrictions...)
	if err != nil {
		ap.Logger.Errorf("Error listing unpopulated keys of %s: %v", table, err)
		return nil, err
	}
	result = &models.PopulationResult{
		Table:      table,
		Candidates: len(keys),
		Failed:     make(map[string]string),
	}
	ap.Logger.Infof("Populating %s: %d keys to compute", table, len(keys))

	if p, ok := executor.(Preparer); ok && len(keys) > 0 {
		if err := p.Prepare(ctx, table, keys); err != nil {
			return result, err
		}
	}
	if f, ok := executor.(Finisher); ok {
		defer func() {
			// keys already dispatched must reach the scheduler after a cancel
			if ferr := f.Finish(context.WithoutCancel(ctx)); ferr != nil {
				ap.Logger.Errorf("Error flushing dispatched work of %s: %v", table, ferr)
				if err == nil {
					err = ferr
				}
			}
		}()
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			ap.Logger.Warningf("Populate of %s stopped: %v", table, err)
			return result, err
		}

		if opts.Reserve {
			ok, err := ap.Jobs.Reserve(ctx, table, key)
			if err != nil {
				return result, err
			}
			if !ok {
				result.Skipped++
				continue
			}
		}

		ap.Logger.Debugf("Computing %s %s", table, key)
		outcome, err := executor.Execute(ctx, Request{Table: table, Key: key, Compute: ap.Compute, Args: opts.Args})
		if err != nil {
			ap.Logger.Errorf("Error computing %s %s: %v", table, key, err)
			result.Failed[key.String()] = err.Error()
			if opts.Reserve {
				if ferr := ap.Jobs.Fail(ctx, table, key, err.Error()); ferr != nil {
					ap.Logger.Errorf("Error recording failure of %s %s: %v", table, key, ferr)
				}
			}
			continue
		}

		if outcome == Dispatched {
			result.Dispatched++
			continue
		}
		result.Completed++
		if opts.Reserve {
			var err error
			if opts.KeepDone {
				err = ap.Jobs.MarkDone(ctx, table, key)
			} else {
				err = ap.Jobs.Complete(ctx, table, key)
			}
			if err != nil {
				ap.Logger.Errorf("Error releasing job of %s %s: %v", table, key, err)
			}
		}
	}

	ap.Logger.Infof("Populated %s: %d completed, %d dispatched, %d skipped, %d failed",
		table, result.Completed, result.Dispatched, result.Skipped, result.Failures())
	return result, nil
}
