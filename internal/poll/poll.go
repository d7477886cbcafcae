// Package poll implements the caller-side wait loops over the queue.
// The engine never pushes; consumers poll receive with exponential
// backoff, optionally woken early by the store watcher.
package poll

import (
	"context"
	"time"

	"github.com/zjrosen/agentbus/internal/config"
	"github.com/zjrosen/agentbus/internal/log"
	"github.com/zjrosen/agentbus/internal/queue"
)

// Poller runs backoff wait loops over the queue for one consumer.
type Poller struct {
	queue *queue.Queue
	cfg   config.PollConfig

	// wake, when set, cuts a sleep short on store changes. Spurious
	// wake-ups are fine; they cost one extra receive query.
	wake <-chan struct{}
}

// New creates a poller. wake may be nil; pass the watcher's change
// channel to wake early on cross-process writes.
func New(q *queue.Queue, cfg config.PollConfig, wake <-chan struct{}) *Poller {
	defaults := config.Defaults().Poll
	if cfg.ResponseInitial <= 0 {
		cfg.ResponseInitial = defaults.ResponseInitial
	}
	if cfg.ResponseMax <= 0 {
		cfg.ResponseMax = defaults.ResponseMax
	}
	if cfg.BatchInitial <= 0 {
		cfg.BatchInitial = defaults.BatchInitial
	}
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = defaults.BatchMax
	}
	return &Poller{queue: q, cfg: cfg, wake: wake}
}

// WaitForResponse polls until a message carrying correlationID is
// visible to agentID, claims it, and returns it. Backoff starts small
// and doubles so round-trips that answer quickly stay fast. Returns the
// context error on cancellation or deadline.
func (p *Poller) WaitForResponse(ctx context.Context, agentID string, channels []string, correlationID string) (*queue.Message, error) {
	delay := p.cfg.ResponseInitial

	for {
		msgs, err := p.queue.Receive(ctx, agentID, channels, 50, "")
		if err != nil {
			return nil, err
		}
		for i := range msgs {
			if msgs[i].CorrelationID != correlationID {
				continue
			}
			claimed, err := p.queue.Claim(ctx, agentID, msgs[i].ID)
			if err != nil {
				return nil, err
			}
			if claimed {
				return &msgs[i], nil
			}
			// Lost the claim race; keep waiting.
		}

		if err := p.sleep(ctx, delay); err != nil {
			log.Debug(log.CatQueue, "Response wait cancelled",
				"agent", agentID, "correlation", correlationID)
			return nil, err
		}
		delay *= 2
		if delay > p.cfg.ResponseMax {
			delay = p.cfg.ResponseMax
		}
	}
}

// WaitForMessages polls until at least one message is visible to
// agentID and returns the batch. Backoff grows 1.5x per empty poll.
// Returns the context error on cancellation or deadline.
func (p *Poller) WaitForMessages(ctx context.Context, agentID string, channels []string, limit int, typeFilter string) ([]queue.Message, error) {
	delay := p.cfg.BatchInitial

	for {
		msgs, err := p.queue.Receive(ctx, agentID, channels, limit, typeFilter)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}

		if err := p.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay = delay * 3 / 2
		if delay > p.cfg.BatchMax {
			delay = p.cfg.BatchMax
		}
	}
}

// sleep waits for the delay, a wake-up, or cancellation.
func (p *Poller) sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.wake:
		return nil
	case <-timer.C:
		return nil
	}
}
