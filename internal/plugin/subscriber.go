// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/keystone-run/keystone/internal/observability"
	"github.com/keystone-run/keystone/pkg/errutil"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// DefaultHandlerTimeout bounds a single handler invocation.
const DefaultHandlerTimeout = 5 * time.Second

// Handler processes a state event delivered by a Subscriber.
type Handler func(ctx context.Context, event StateEvent) error

// subscription tracks which transitions a handler wants.
type subscription struct {
	name    string
	handler Handler
	states  map[pluginpkg.State]bool // empty = all target states
}

// Subscriber is an Observer that hands events to a buffered channel and
// dispatches them to handlers on its own goroutines, so slow handlers never
// hold up lifecycle operations. Events that do not fit the buffer are
// dropped and counted.
type Subscriber struct {
	events        chan StateEvent
	timeout       time.Duration
	metrics       *observability.Metrics
	logger        *slog.Logger
	subscriptions []subscription
	mu            sync.RWMutex
	wg            sync.WaitGroup
}

var _ Observer = (*Subscriber)(nil)

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithHandlerTimeout sets the per-handler timeout.
func WithHandlerTimeout(d time.Duration) SubscriberOption {
	return func(s *Subscriber) { s.timeout = d }
}

// WithSubscriberMetrics counts dropped events in m.
func WithSubscriberMetrics(m *observability.Metrics) SubscriberOption {
	return func(s *Subscriber) { s.metrics = m }
}

// WithSubscriberLogger sets the logger for delivery failures.
func WithSubscriberLogger(l *slog.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = l }
}

// NewSubscriber creates a subscriber buffering up to buffer events.
func NewSubscriber(buffer int, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		events:  make(chan StateEvent, max(buffer, 0)),
		timeout: DefaultHandlerTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers handler for transitions into any of states, or for
// every transition when states is empty.
func (s *Subscriber) Subscribe(name string, handler Handler, states ...pluginpkg.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stateSet := make(map[pluginpkg.State]bool, len(states))
	for _, st := range states {
		stateSet[st] = true
	}

	s.subscriptions = append(s.subscriptions, subscription{
		name:    name,
		handler: handler,
		states:  stateSet,
	})
}

// OnStateChange enqueues event without blocking.
func (s *Subscriber) OnStateChange(_ context.Context, event StateEvent) error {
	select {
	case s.events <- event:
	default:
		s.metrics.RecordDroppedStateEvent()
		s.logger.Warn("state event dropped, subscriber queue full",
			"plugin", event.PluginID,
			"event_id", event.ID.String(),
			"to", event.New.String())
	}
	return nil
}

// Start begins dispatching queued events until ctx is done.
func (s *Subscriber) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-s.events:
				s.dispatch(ctx, event)
			}
		}
	}()
}

// Stop waits for the dispatch loop and in-flight handlers to finish. The
// context passed to Start must be cancelled first.
func (s *Subscriber) Stop() {
	s.wg.Wait()
}

func (s *Subscriber) dispatch(ctx context.Context, event StateEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if len(sub.states) > 0 && !sub.states[event.New] {
			continue
		}
		s.deliverAsync(ctx, sub, event)
	}
}

func (s *Subscriber) deliverAsync(ctx context.Context, sub subscription, event StateEvent) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		err := sub.handler(ctx, event)
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded):
			s.logger.Warn("state event handler timed out",
				"handler", sub.name,
				"plugin", event.PluginID,
				"event_id", event.ID.String(),
				"timeout", s.timeout.String())
		case errors.Is(err, context.Canceled):
			s.logger.Debug("state event handler canceled",
				"handler", sub.name,
				"event_id", event.ID.String())
		default:
			errutil.LogError(s.logger.With("handler", sub.name, "plugin", event.PluginID),
				"state event handler failed", err)
		}
	}()
}
