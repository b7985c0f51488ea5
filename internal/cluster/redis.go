package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultQueue is the list jobs are pushed onto
const DefaultQueue = "pipeline:jobs"

const resourcePrefix = "pipeline:resource:"

// RedisConfig holds the connection settings of the job queue
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Queue    string `yaml:"queue" env:"PIPELINE_QUEUE" env-default:"pipeline:jobs"`
}

// NewRedisClient creates a client and checks the connection.
// Returns nil if Redis is not configured (host is empty).
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Host == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RedisScheduler queues jobs on a Redis list and tracks resources as flag keys
type RedisScheduler struct {
	Client *redis.Client
	Queue  string
	// PollTimeout bounds how long Next blocks on an empty queue
	PollTimeout time.Duration
	Logger      *logrus.Logger
}

// NewRedisScheduler creates a scheduler on the given queue
func NewRedisScheduler(client *redis.Client, queue string, logger *logrus.Logger) *RedisScheduler {
	if queue == "" {
		queue = DefaultQueue
	}
	return &RedisScheduler{
		Client:      client,
		Queue:       queue,
		PollTimeout: 5 * time.Second,
		Logger:      logger,
	}
}

// Submit pushes the job onto the queue
func (s *RedisScheduler) Submit(ctx context.Context, job *Job) error {
	job.Submitted = time.Now().UTC()
	data, err := EncodeJob(job)
	if err != nil {
		return err
	}
	if err := s.Client.RPush(ctx, s.Queue, data).Err(); err != nil {
		s.Logger.Errorf("Error submitting job %s: %v", job.Name, err)
		return fmt.Errorf("submit job %s: %w", job.Name, err)
	}
	s.Logger.Debugf("Submitted job %s (%s) with %d tasks", job.Name, job.ID, len(job.Tasks))
	return nil
}

// RegisterResource creates the resource flag unless it exists
func (s *RedisScheduler) RegisterResource(ctx context.Context, name string) error {
	if err := s.Client.SetNX(ctx, resourcePrefix+name, "0", 0).Err(); err != nil {
		return fmt.Errorf("register resource %s: %w", name, err)
	}
	return nil
}

// SetResource marks a resource ready
func (s *RedisScheduler) SetResource(ctx context.Context, name string) error {
	if err := s.Client.Set(ctx, resourcePrefix+name, "1", 0).Err(); err != nil {
		return fmt.Errorf("set resource %s: %w", name, err)
	}
	return nil
}

// ResourceReady reports whether a resource flag is set
func (s *RedisScheduler) ResourceReady(ctx context.Context, name string) (bool, error) {
	v, err := s.Client.Get(ctx, resourcePrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// Next pops a job. A job whose resources are not ready goes back to the tail.
func (s *RedisScheduler) Next(ctx context.Context) (*Job, error) {
	res, err := s.Client.BLPop(ctx, s.PollTimeout, s.Queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", s.Queue, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("poll %s: unexpected reply %v", s.Queue, res)
	}

	job, err := DecodeJob([]byte(res[1]))
	if err != nil {
		s.Logger.Errorf("Dropping malformed job: %v", err)
		return nil, ErrNoJob
	}

	for _, r := range job.Resources {
		ready, err := s.ResourceReady(ctx, r)
		if err != nil {
			return nil, err
		}
		if !ready {
			s.Logger.Debugf("Job %s waits for resource %s", job.Name, r)
			if err := s.Client.RPush(ctx, s.Queue, res[1]).Err(); err != nil {
				return nil, fmt.Errorf("requeue job %s: %w", job.Name, err)
			}
			return nil, ErrNoJob
		}
	}
	return job, nil
}

// EncodeJob serializes a job for the queue
func EncodeJob(job *Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.Name, err)
	}
	return data, nil
}

// DecodeJob parses a queued job. Numbers stay json.Number so integer keys
// keep their exact digits.
func DecodeJob(data []byte) (*Job, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var job Job
	if err := dec.Decode(&job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
