package populator

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/vitebski/pipeline-populator/internal/cluster"
	"github.com/vitebski/pipeline-populator/internal/connector"
	"github.com/vitebski/pipeline-populator/pkg/models"
)

// ComputeFunc computes and inserts the target rows of one key
type ComputeFunc func(ctx context.Context, key models.Key, args ...interface{}) error

// Outcome tells the population loop who finishes the bookkeeping of a key
type Outcome int

const (
	// Completed means the compute function ran here and succeeded
	Completed Outcome = iota
	// Dispatched means the key was handed to a remote worker
	Dispatched
)

func (o Outcome) String() string {
	if o == Dispatched {
		return "dispatched"
	}
	return "completed"
}

// Request is one key to compute for a target table
type Request struct {
	Table   string
	Key     models.Key
	Compute ComputeFunc
	Args    []interface{}
}

// Executor runs or dispatches the computation of one key
type Executor interface {
	Execute(ctx context.Context, req Request) (Outcome, error)
}

// Preparer is implemented by executors that look at every key before dispatch
type Preparer interface {
	Prepare(ctx context.Context, table string, keys []models.Key) error
}

// Finisher is implemented by executors that flush work after the last key
type Finisher interface {
	Finish(ctx context.Context) error
}

// LocalExecutor runs the compute function in process inside a transaction
type LocalExecutor struct {
	DB     *connector.DatabaseConnector
	Logger *logrus.Logger
}

// NewLocalExecutor creates an in-process executor
func NewLocalExecutor(db *connector.DatabaseConnector, logger *logrus.Logger) *LocalExecutor {
	return &LocalExecutor{DB: db, Logger: logger}
}

// Execute calls the compute function; its inserts commit together or not at all
func (e *LocalExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	if req.Compute == nil {
		return Completed, fmt.Errorf("no compute function for %s", req.Table)
	}
	if err := e.DB.StartTransaction(ctx); err != nil {
		return Completed, err
	}
	if err := req.Compute(ctx, req.Key, req.Args...); err != nil {
		if cerr := e.DB.CancelTransaction(ctx); cerr != nil {
			e.Logger.Errorf("Error cancelling transaction: %v", cerr)
		}
		return Completed, err
	}
	if err := e.DB.CommitTransaction(ctx); err != nil {
		return Completed, err
	}
	return Completed, nil
}

// DirectExecutor submits one job per key
type DirectExecutor struct {
	Scheduler cluster.Scheduler
	Logger    *logrus.Logger
}

// NewDirectExecutor creates an executor submitting to the scheduler
func NewDirectExecutor(scheduler cluster.Scheduler, logger *logrus.Logger) *DirectExecutor {
	return &DirectExecutor{Scheduler: scheduler, Logger: logger}
}

// Execute submits a job carrying the single task of the key
func (e *DirectExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	job := cluster.NewJob(fmt.Sprintf("%s-%s", req.Table, req.Key.Hash()[:8]))
	job.Tasks = append(job.Tasks, cluster.Task{Name: req.Table, Key: req.Key, KeyHash: req.Key.Hash(), Args: req.Args})
	if err := e.Scheduler.Submit(ctx, job); err != nil {
		return Dispatched, err
	}
	e.Logger.Debugf("Submitted %s for key %s", job.Name, req.Key)
	return Dispatched, nil
}

// GranularityFunc maps a key onto the group sharing one cache staging request
type GranularityFunc func(key models.Key) models.Key

// LocateFunc returns the disk label and path holding the data of a group
type LocateFunc func(group models.Key) (disk, path string, err error)

// SizeFunc returns the number of bytes a staging request moves
type SizeFunc func(disk, path string) (int64, error)

type cacheGroup struct {
	requestHash string
	job         *cluster.Job
}

// CacheExecutor stages source data on a cache before the tasks that read it run.
// Keys sharing a granularity group share one staging request and one job; the job
// waits on the request's resource.
type CacheExecutor struct {
	Scheduler   cluster.Scheduler
	Requests    *CacheRequests
	Granularity GranularityFunc
	Locate      LocateFunc
	Size        SizeFunc
	Logger      *logrus.Logger

	groups map[string]*cacheGroup
}

// NewCacheExecutor creates a cache staging executor
func NewCacheExecutor(scheduler cluster.Scheduler, requests *CacheRequests, granularity GranularityFunc, locate LocateFunc, logger *logrus.Logger) *CacheExecutor {
	return &CacheExecutor{
		Scheduler:   scheduler,
		Requests:    requests,
		Granularity: granularity,
		Locate:      locate,
		Size:        DirectorySize,
		Logger:      logger,
	}
}

func (e *CacheExecutor) group(key models.Key) models.Key {
	if e.Granularity == nil {
		return key
	}
	return e.Granularity(key)
}

// Prepare registers one staging request and one pending job per group
func (e *CacheExecutor) Prepare(ctx context.Context, table string, keys []models.Key) error {
	if e.Locate == nil {
		return fmt.Errorf("cache executor for %s has no locate function", table)
	}
	e.groups = make(map[string]*cacheGroup)
	registered := make(map[string]bool)

	for _, key := range keys {
		gk := e.group(key)
		gh := gk.Hash()
		if _, ok := e.groups[gh]; ok {
			continue
		}
		disk, path, err := e.Locate(gk)
		if err != nil {
			return fmt.Errorf("locate %s: %w", gk, err)
		}
		hash := models.CacheRequestHash(disk, path)
		resource := "cache-" + hash
		if !registered[hash] {
			size, err := e.Size(disk, path)
			if err != nil {
				return fmt.Errorf("size of %s:%s: %w", disk, path, err)
			}
			if _, err := e.Requests.Register(ctx, disk, path, size); err != nil {
				return err
			}
			if err := e.Scheduler.RegisterResource(ctx, resource); err != nil {
				return err
			}
			registered[hash] = true
		}
		e.groups[gh] = &cacheGroup{
			requestHash: hash,
			job:         cluster.NewJob(fmt.Sprintf("%s-%s", table, gh[:8]), resource),
		}
	}
	e.Logger.Infof("Prepared %d cache groups over %d requests for %s", len(e.groups), len(registered), table)
	return nil
}

// Execute attaches the key's task to its group job
func (e *CacheExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	g, ok := e.groups[e.group(req.Key).Hash()]
	if !ok {
		return Dispatched, fmt.Errorf("key %s was not prepared", req.Key)
	}
	if err := e.Requests.AddClient(ctx, g.requestHash); err != nil {
		return Dispatched, err
	}
	g.job.Tasks = append(g.job.Tasks, cluster.Task{
		Name:         req.Table,
		Key:          req.Key,
		KeyHash:      req.Key.Hash(),
		Args:         req.Args,
		CacheRequest: g.requestHash,
	})
	return Dispatched, nil
}

// Finish submits the group jobs that received tasks and discards the rest
func (e *CacheExecutor) Finish(ctx context.Context) error {
	hashes := make([]string, 0, len(e.groups))
	for gh := range e.groups {
		hashes = append(hashes, gh)
	}
	sort.Strings(hashes)

	submitted := 0
	for _, gh := range hashes {
		g := e.groups[gh]
		if len(g.job.Tasks) == 0 {
			e.Logger.Debugf("Discarding empty job %s", g.job.Name)
			continue
		}
		if err := e.Scheduler.Submit(ctx, g.job); err != nil {
			return err
		}
		submitted++
	}
	e.Logger.Infof("Submitted %d cache group jobs", submitted)
	e.groups = nil
	return nil
}

// DirectorySize sums the sizes of the regular files under path
func DirectorySize(_, path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
