// Package heartbeat periodically tells every registry peer that this
// agent is alive.
package heartbeat

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hivemesh-dev/hivemesh/pkg/observability"
	"github.com/hivemesh-dev/hivemesh/protocol"
)

// Broadcaster fans an envelope out to every registry peer. Satisfied
// by transport.Client.
type Broadcaster interface {
	Broadcast(ctx context.Context, build func(to protocol.AgentID) (*protocol.Envelope, error)) map[protocol.AgentID]error
}

// Config configures the heartbeat emitter.
type Config struct {
	// Interval between heartbeat rounds (default: 30s, minimum: 1s).
	Interval time.Duration
	// Timeout bounds one full round (default: Interval).
	Timeout time.Duration
}

// Emitter broadcasts signed heartbeats on a fixed schedule. Peers that
// stop hearing from an agent can treat it as gone; the emitter itself
// only reports, it draws no conclusions about others.
type Emitter struct {
	identity *protocol.Identity
	sender   Broadcaster
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger

	cron *cron.Cron
}

// NewEmitter creates a heartbeat emitter for the identity.
func NewEmitter(cfg Config, identity *protocol.Identity, sender Broadcaster, logger *log.Logger) *Emitter {
	if cfg.Interval < time.Second {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Emitter{
		identity: identity,
		sender:   sender,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

// Start begins the heartbeat schedule. The first round fires after one
// interval; call Beat for an immediate round.
func (e *Emitter) Start() error {
	if e.cron != nil {
		return fmt.Errorf("heartbeat emitter already started")
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %s", e.interval)
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		e.Beat(ctx)
	}); err != nil {
		return fmt.Errorf("scheduling heartbeat: %w", err)
	}
	c.Start()
	e.cron = c
	e.logger.Printf("heartbeat emitter started, interval %s", e.interval)
	return nil
}

// Stop halts the schedule and waits for an in-flight round to finish.
func (e *Emitter) Stop() {
	if e.cron == nil {
		return
	}
	<-e.cron.Stop().Done()
	e.cron = nil
	e.logger.Printf("heartbeat emitter stopped")
}

// Beat runs one heartbeat round immediately.
func (e *Emitter) Beat(ctx context.Context) {
	results := e.sender.Broadcast(ctx, func(to protocol.AgentID) (*protocol.Envelope, error) {
		return e.identity.NewHeartbeat(to)
	})
	for peer, err := range results {
		if err != nil {
			observability.RecordHeartbeat("error")
			e.logger.Printf("heartbeat to %s failed: %v", peer, err)
		} else {
			observability.RecordHeartbeat("ok")
		}
	}
}
