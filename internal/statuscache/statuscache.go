// Package statuscache mirrors per-slide submission state into Redis so
// operators and the completion monitor can look up a slide without parsing
// the manifest.
package statuscache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/animus-labs/wsi-batch/internal/domain"
	"github.com/animus-labs/wsi-batch/internal/platform/env"
)

const (
	StatusSubmitted = "submitted"
	StatusFailed    = "failed"
)

type Config struct {
	URL       string
	TTL       time.Duration
	KeyPrefix string
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

func ConfigFromEnv() (Config, error) {
	ttl, err := env.Duration("WSI_REDIS_TTL", 72*time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		URL:       env.String("WSI_REDIS_URL", ""),
		TTL:       ttl,
		KeyPrefix: env.String("WSI_REDIS_KEY_PREFIX", "wsi"),
	}
	if cfg.Enabled() {
		if err := cfg.Validate(); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return errors.New("WSI_REDIS_URL is required")
	}
	if c.TTL <= 0 {
		return errors.New("WSI_REDIS_TTL must be positive")
	}
	if strings.TrimSpace(c.KeyPrefix) == "" {
		return errors.New("WSI_REDIS_KEY_PREFIX is required")
	}
	return nil
}

// Keys are the Redis keys kept for one slide of one run.
type Keys struct {
	Status   string
	GPUJobID string
	CPUJobID string
	Error    string
}

func KeysFor(prefix, runID, image string) Keys {
	base := strings.Join([]string{prefix, runID, image}, ":")
	return Keys{
		Status:   base + ":status",
		GPUJobID: base + ":gpu_jobid",
		CPUJobID: base + ":cpu_jobid",
		Error:    base + ":error",
	}
}

// Op is one write in the status pipeline. An empty Value means delete.
type Op struct {
	Key   string
	Value string
}

// Plan lists the writes that bring the slide's keys in line with res. Keys
// left over from an earlier attempt of the same run are deleted.
func Plan(prefix, runID string, res domain.PipelineResult) []Op {
	keys := KeysFor(prefix, runID, res.Image)
	status := StatusSubmitted
	errMsg := ""
	if !res.Succeeded() {
		status = StatusFailed
		errMsg = firstNonEmpty(res.GPUMessage, res.CPUMessage, "submission failed")
	}
	return []Op{
		{Key: keys.Status, Value: status},
		{Key: keys.GPUJobID, Value: res.GPUJobID},
		{Key: keys.CPUJobID, Value: res.CPUJobID},
		{Key: keys.Error, Value: errMsg},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type RedisRecorder struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisRecorder connects to cfg.URL and checks the connection.
func NewRedisRecorder(ctx context.Context, cfg Config) (*RedisRecorder, *redis.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisRecorderWithClient(client, cfg.TTL, cfg.KeyPrefix), client, nil
}

func NewRedisRecorderWithClient(client redis.Cmdable, ttl time.Duration, prefix string) *RedisRecorder {
	if client == nil {
		return nil
	}
	return &RedisRecorder{client: client, ttl: ttl, prefix: prefix}
}

func (r *RedisRecorder) Record(ctx context.Context, runID string, res domain.PipelineResult) error {
	if r == nil || r.client == nil {
		return errors.New("redis recorder not initialized")
	}
	pipe := r.client.Pipeline()
	for _, op := range Plan(r.prefix, runID, res) {
		if op.Value == "" {
			pipe.Del(ctx, op.Key)
			continue
		}
		pipe.Set(ctx, op.Key, op.Value, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update status keys for %s: %w", res.Image, err)
	}
	return nil
}

// Status reads back the slide status written by Record. A missing key
// yields an empty string.
func (r *RedisRecorder) Status(ctx context.Context, runID, image string) (string, error) {
	if r == nil || r.client == nil {
		return "", errors.New("redis recorder not initialized")
	}
	v, err := r.client.Get(ctx, KeysFor(r.prefix, runID, image).Status).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
