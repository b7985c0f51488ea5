// Package cluster models the job submission service that runs compute tasks away
// from the dispatching process. Jobs may require named resources; a job is only
// handed to a worker once every resource it requires is ready.
package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitebski/pipeline-populator/pkg/models"
)

// ErrNoJob is returned by a Source when nothing is runnable
var ErrNoJob = errors.New("no runnable job")

// Task is one compute invocation. Name selects the compute function on the worker.
// KeyHash is the job table hash the dispatcher reserved the key under; the key
// itself comes back from the queue with JSON types and may hash differently.
type Task struct {
	Name         string        `json:"name"`
	Key          models.Key    `json:"key"`
	KeyHash      string        `json:"key_hash,omitempty"`
	Args         []interface{} `json:"args,omitempty"`
	CacheRequest string        `json:"cache_request,omitempty"`
}

// Job groups tasks that run together once their resources are ready
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Resources []string  `json:"resources,omitempty"`
	Tasks     []Task    `json:"tasks"`
	Submitted time.Time `json:"submitted"`
}

// JobHash returns the job table hash of the task's key
func (t Task) JobHash() string {
	if t.KeyHash != "" {
		return t.KeyHash
	}
	return t.Key.Hash()
}

// NewJob creates an empty job requiring the given resources
func NewJob(name string, resources ...string) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Name:      name,
		Resources: resources,
	}
}

// Scheduler accepts jobs and the resources that gate them
type Scheduler interface {
	Submit(ctx context.Context, job *Job) error
	RegisterResource(ctx context.Context, name string) error
}

// Source hands runnable jobs to workers
type Source interface {
	Next(ctx context.Context) (*Job, error)
}

// MemoryScheduler keeps jobs in process. It backs dry runs and tests.
type MemoryScheduler struct {
	mu        sync.Mutex
	queue     []*Job
	resources map[string]bool
	submitted []*Job
}

// NewMemoryScheduler creates an empty in-process scheduler
func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{resources: make(map[string]bool)}
}

// Submit queues a job
func (m *MemoryScheduler) Submit(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.Submitted = time.Now()
	m.queue = append(m.queue, job)
	m.submitted = append(m.submitted, job)
	return nil
}

// RegisterResource declares a resource that is not ready yet
func (m *MemoryScheduler) RegisterResource(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[name]; !ok {
		m.resources[name] = false
	}
	return nil
}

// SetResource marks a resource ready
func (m *MemoryScheduler) SetResource(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[name] = true
	return nil
}

// Resources returns the registered resources and their readiness
func (m *MemoryScheduler) Resources() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.resources))
	for k, v := range m.resources {
		out[k] = v
	}
	return out
}

// Submitted returns every job ever submitted, in order
func (m *MemoryScheduler) Submitted() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Job(nil), m.submitted...)
}

// Next removes and returns the first job whose resources are ready
func (m *MemoryScheduler) Next(_ context.Context) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, job := range m.queue {
		if !m.ready(job) {
			continue
		}
		m.queue = append(m.queue[:i], m.queue[i+1:]...)
		return job, nil
	}
	return nil, ErrNoJob
}

func (m *MemoryScheduler) ready(job *Job) bool {
	for _, r := range job.Resources {
		if !m.resources[r] {
			return false
		}
	}
	return true
}
