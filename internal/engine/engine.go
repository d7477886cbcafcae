// Package engine wires the coordination components into one explicit
// handle. There are no process-wide singletons; everything a caller
// needs hangs off the Engine constructed from a project root.
package engine

import (
	"fmt"
	"os"

	"github.com/zjrosen/agentbus/internal/agents"
	"github.com/zjrosen/agentbus/internal/board"
	"github.com/zjrosen/agentbus/internal/log"
	"github.com/zjrosen/agentbus/internal/paths"
	"github.com/zjrosen/agentbus/internal/pubsub"
	"github.com/zjrosen/agentbus/internal/queue"
	"github.com/zjrosen/agentbus/internal/store"
	"github.com/zjrosen/agentbus/internal/subscription"
	"github.com/zjrosen/agentbus/internal/voting"
	"github.com/zjrosen/agentbus/internal/watcher"
)

// DefaultChannels are seeded at store init for the system agent.
var DefaultChannels = []string{"general", "urgent", "technical", "review"}

// Engine is the explicit handle over the coordination substrate.
// Construct one per process with New and pass it down; all components
// share the engine's store and in-process event broker.
type Engine struct {
	Layout        paths.Layout
	Store         *store.DB
	Queue         *queue.Queue
	Subscriptions *subscription.Registry
	Board         *board.Board
	Agents        *agents.Registry
	Voting        *voting.Voting

	// Events fans engine activity out to same-process observers.
	Events *pubsub.Broker[queue.Event]
}

// InitReport summarizes what New set up, mirroring what callers need to
// echo back after initialization.
type InitReport struct {
	DBPath          string   `json:"db_path"`
	ArtifactsDir    string   `json:"artifacts_dir"`
	VotesDir        string   `json:"votes_dir"`
	ProtocolVersion string   `json:"protocol_version"`
	DefaultChannels []string `json:"default_channels"`
}

// New opens (creating if needed) the coordination state under
// <projectRoot>/.claude/ and returns the assembled engine.
// Initialization is idempotent.
func New(projectRoot string) (*Engine, *InitReport, error) {
	layout := paths.Resolve(projectRoot)

	for _, dir := range []string{layout.ArtifactsDir(), layout.VotesDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	db, err := store.NewDB(layout.DBPath())
	if err != nil {
		return nil, nil, err
	}

	if err := writeProtocolVersion(layout.ProtocolVersionPath()); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	events := pubsub.NewBroker[queue.Event]()
	q := queue.New(db, events)
	subs := subscription.New(db)
	reg := agents.New(db)

	e := &Engine{
		Layout:        layout,
		Store:         db,
		Queue:         q,
		Subscriptions: subs,
		Board:         board.New(db, q, events),
		Agents:        reg,
		Voting:        voting.New(layout, q, reg, events),
		Events:        events,
	}

	log.Info(log.CatEngine, "Engine initialized",
		"root", layout.ProjectRoot, "db", layout.DBPath())

	return e, &InitReport{
		DBPath:          layout.DBPath(),
		ArtifactsDir:    layout.ArtifactsDir(),
		VotesDir:        layout.VotesDir(),
		ProtocolVersion: store.ProtocolVersion,
		DefaultChannels: DefaultChannels,
	}, nil
}

// Watch starts a store watcher whose channel wakes pollers when another
// process commits. The caller owns the returned watcher's lifecycle.
func (e *Engine) Watch() (*watcher.Watcher, <-chan struct{}, error) {
	w, err := watcher.New(watcher.DefaultConfig(e.Layout.DBPath()))
	if err != nil {
		return nil, nil, fmt.Errorf("create store watcher: %w", err)
	}
	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return nil, nil, fmt.Errorf("start store watcher: %w", err)
	}
	return w, changes, nil
}

// Close shuts the engine down: the event broker first so observers
// drain, then the store.
func (e *Engine) Close() error {
	e.Events.Close()
	if err := e.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	log.Info(log.CatEngine, "Engine closed", "root", e.Layout.ProjectRoot)
	return nil
}

// writeProtocolVersion writes the single-line protocol version token.
// Rewriting the same token on every init keeps the operation idempotent.
func writeProtocolVersion(path string) error {
	if err := os.WriteFile(path, []byte(store.ProtocolVersion+"\n"), 0600); err != nil {
		return fmt.Errorf("write protocol version: %w", err)
	}
	return nil
}
