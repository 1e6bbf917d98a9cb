// Package events publishes one message per processed slide to RabbitMQ. The
// completion monitor consumes the queue to follow the Slurm jobs.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/animus-labs/wsi-batch/internal/domain"
	"github.com/animus-labs/wsi-batch/internal/platform/env"
)

type Config struct {
	URL            string
	Queue          string
	PublishTimeout time.Duration
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("WSI_AMQP_PUBLISH_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		URL:            env.String("WSI_AMQP_URL", ""),
		Queue:          env.String("WSI_AMQP_QUEUE", "wsi.submissions"),
		PublishTimeout: timeout,
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
		return errors.New("WSI_AMQP_URL is required")
	}
	if strings.TrimSpace(c.Queue) == "" {
		return errors.New("WSI_AMQP_QUEUE is required")
	}
	if c.PublishTimeout <= 0 {
		return errors.New("WSI_AMQP_PUBLISH_TIMEOUT must be positive")
	}
	return nil
}

// SubmissionEvent is the message body published for every slide.
type SubmissionEvent struct {
	RunID      string    `json:"run_id"`
	Image      string    `json:"image"`
	LocalPath  string    `json:"local_path"`
	Status     string    `json:"status"`
	GPUJobID   string    `json:"gpu_jobid,omitempty"`
	CPUJobID   string    `json:"cpu_jobid,omitempty"`
	SegAnot    string    `json:"seg_anot,omitempty"`
	PPCAnot    string    `json:"ppc_anot,omitempty"`
	PPCTiff    string    `json:"ppc_tiff,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewSubmissionEvent(runID string, res domain.PipelineResult, at time.Time) SubmissionEvent {
	ev := SubmissionEvent{
		RunID:      runID,
		Image:      res.Image,
		LocalPath:  res.LocalPath,
		Status:     "submitted",
		GPUJobID:   res.GPUJobID,
		CPUJobID:   res.CPUJobID,
		SegAnot:    res.SegAnot,
		PPCAnot:    res.PPCAnot,
		PPCTiff:    res.PPCTiff,
		OccurredAt: at.UTC(),
	}
	if !res.Succeeded() {
		ev.Status = "failed"
		ev.Error = res.GPUMessage
		if ev.Error == "" {
			ev.Error = res.CPUMessage
		}
	}
	return ev
}

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// confirmBuffer keeps late confirmations from blocking the amqp091
// dispatcher until the next Record drains them.
const confirmBuffer = 64

type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	confirms <-chan amqp.Confirmation
	// published is the delivery tag of the last successful publish. The
	// broker numbers deliveries from 1 once the channel is in confirm mode.
	published uint64
	queue     string
	timeout   time.Duration
	now       func() time.Time
}

// Dial connects, declares the durable queue and puts the channel in
// confirm mode.
func Dial(cfg Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("enable publish confirmations: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))

	p := newPublisher(ch, confirms, cfg.Queue, cfg.PublishTimeout)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, confirms <-chan amqp.Confirmation, queue string, timeout time.Duration) *Publisher {
	return &Publisher{
		ch:       ch,
		confirms: confirms,
		queue:    queue,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Record publishes the slide result and waits for the broker to confirm it.
func (p *Publisher) Record(ctx context.Context, runID string, res domain.PipelineResult) error {
	if p == nil || p.ch == nil {
		return errors.New("publisher not initialized")
	}
	body, err := json.Marshal(NewSubmissionEvent(runID, res, p.now()))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    runID + ":" + res.Image,
		Timestamp:    p.now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	p.published++
	return p.awaitConfirm(ctx, p.published)
}

// awaitConfirm discards confirmations left over from deliveries whose wait
// already timed out and reports the one carrying tag.
func (p *Publisher) awaitConfirm(ctx context.Context, tag uint64) error {
	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return errors.New("confirmation channel closed")
			}
			if c.DeliveryTag < tag {
				continue
			}
			if c.DeliveryTag > tag {
				return fmt.Errorf("confirmation for delivery %d skipped past %d", c.DeliveryTag, tag)
			}
			if !c.Ack {
				return fmt.Errorf("broker nacked delivery %d", c.DeliveryTag)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("await confirmation %d: %w", tag, ctx.Err())
		}
	}
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
