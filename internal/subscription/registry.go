// Package subscription tracks which agents listen on which broadcast
// channels. Subscriptions gate broadcast visibility: an agent only sees
// broadcasts on channels it is subscribed to.
package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/zjrosen/agentbus/internal/cachemanager"
	"github.com/zjrosen/agentbus/internal/log"
	"github.com/zjrosen/agentbus/internal/store"
)

// channelsTTL bounds staleness for cross-process writers; in-process
// writes invalidate immediately.
const channelsTTL = 30 * time.Second

// Registry manages channel subscriptions over the shared store.
// Subscribe and Unsubscribe are idempotent.
type Registry struct {
	db       *store.DB
	channels *cachemanager.ReadThroughCache[[]string, string]
}

// New creates a registry over the store. Channel lookups are served
// through an in-memory read-through cache, invalidated on writes.
func New(db *store.DB) *Registry {
	r := &Registry{db: db}
	cache := cachemanager.NewInMemoryCacheManager[[]string](
		"agent-channels", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	r.channels = cachemanager.NewReadThroughCache(cache, r.loadChannels, false)
	return r
}

// Subscribe adds agentID to channel's subscriber set. Re-subscribing is
// a no-op, not an error.
func (r *Registry) Subscribe(ctx context.Context, agentID, channel string) error {
	err := r.db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO channel_subscriptions (channel_name, agent_id, subscribed_at)
			 VALUES (?, ?, ?)`,
			channel, agentID, store.Now(),
		)
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := r.channels.Invalidate(ctx, agentID); err != nil {
		log.ErrorErr(log.CatSub, "Failed to invalidate channel cache", err, "agent", agentID)
	}
	log.Debug(log.CatSub, "Subscribed", "agent", agentID, "channel", channel)
	return nil
}

// Unsubscribe removes agentID from channel's subscriber set. Removing a
// subscription that does not exist is a no-op.
func (r *Registry) Unsubscribe(ctx context.Context, agentID, channel string) error {
	err := r.db.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`DELETE FROM channel_subscriptions WHERE channel_name = ? AND agent_id = ?`,
			channel, agentID,
		)
		if err != nil {
			return fmt.Errorf("delete subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := r.channels.Invalidate(ctx, agentID); err != nil {
		log.ErrorErr(log.CatSub, "Failed to invalidate channel cache", err, "agent", agentID)
	}
	log.Debug(log.CatSub, "Unsubscribed", "agent", agentID, "channel", channel)
	return nil
}

// ChannelsOf returns the channels agentID is subscribed to, sorted.
func (r *Registry) ChannelsOf(ctx context.Context, agentID string) ([]string, error) {
	return r.channels.Get(ctx, agentID, agentID, channelsTTL)
}

// Subscribers returns the agents subscribed to channel, sorted.
func (r *Registry) Subscribers(ctx context.Context, channel string) ([]string, error) {
	rows, err := r.db.Conn().Query(
		`SELECT agent_id FROM channel_subscriptions WHERE channel_name = ? ORDER BY agent_id`,
		channel,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []string
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (r *Registry) loadChannels(ctx context.Context, agentID string) ([]string, error) {
	rows, err := r.db.Conn().Query(
		`SELECT channel_name FROM channel_subscriptions WHERE agent_id = ?`, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}

	sort.Strings(channels)
	return channels, nil
}
