// Package router implements the message router (C3): direct/multicast/
// broadcast/topic delivery over WebSocket, HTTP fallback, or pub/sub,
// ack correlation with retry, and a capped message history.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/agentmesh/internal/corelib/eventbus"
	"github.com/swarmguard/agentmesh/internal/corelib/natsctx"
	"github.com/swarmguard/agentmesh/internal/corelib/resilience"
	"github.com/swarmguard/agentmesh/internal/models"
	"github.com/swarmguard/agentmesh/internal/store"
	"github.com/swarmguard/agentmesh/internal/transport"

	nats "github.com/nats-io/nats.go"
)

// Config carries the router's tunable limits.
type Config struct {
	MaxSize               int
	DefaultTimeout        time.Duration
	MaxRetries            int
	CompressionThreshold  int
}

// DefaultConfig returns sane defaults matching the message config surface.
func DefaultConfig() Config {
	return Config{
		MaxSize:              1 << 20,
		DefaultTimeout:       10 * time.Second,
		MaxRetries:           3,
		CompressionThreshold: 8 << 10,
	}
}

// AgentResolver looks up an agent's endpoints for routing-table resolution.
type AgentResolver interface {
	Get(ctx context.Context, id string) (*models.Agent, error)
}

type pendingAck struct {
	done chan struct{}
	resp *models.Message
	mu   sync.Mutex
}

// Router owns the routing table, channel registry, and delivery pipeline.
type Router struct {
	cfg      Config
	hub      *transport.Hub
	httpOut  *transport.HTTPSender
	nc       *nats.Conn
	st       store.Store
	bus      *eventbus.Bus
	resolver AgentResolver
	history  *historyRing

	mu       sync.RWMutex
	channels map[string]*models.Channel
	pending  map[string]*pendingAck

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// New constructs a Router. nc may be nil, in which case topic/channel
// delivery falls back to the store's in-process pub/sub.
func New(cfg Config, hub *transport.Hub, nc *nats.Conn, st store.Store, bus *eventbus.Bus, resolver AgentResolver) *Router {
	return &Router{
		cfg:      cfg,
		hub:      hub,
		httpOut:  transport.NewHTTPSender(),
		nc:       nc,
		st:       st,
		bus:      bus,
		resolver: resolver,
		history:  newHistoryRing(),
		channels: make(map[string]*models.Channel),
		pending:  make(map[string]*pendingAck),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// breakerFor returns the per-agent circuit breaker, creating one on first
// use. Each endpoint gets its own failure history: one flapping agent must
// not trip delivery to every other agent.
func (r *Router) breakerFor(agentID string) *resilience.CircuitBreaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	b, ok := r.breakers[agentID]
	if !ok {
		b = resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 3)
		r.breakers[agentID] = b
	}
	return b
}

func (r *Router) publish(kind, payload string) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Kind: kind, Source: "router", Payload: payload})
	}
}

// RegisterChannel adds or replaces a channel definition.
func (r *Router) RegisterChannel(ch *models.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ChannelID] = ch
}

func (r *Router) channelSubscribers(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil
	}
	return ch.Participants
}

// resolveTargets expands a message's To/Channel fields into a deduplicated
// set of agent ids, per the routing table resolution rules in §4.3:
// direct lookup for one recipient, union for a list, and union of channel
// subscribers for a channel message. For "*" it takes only the agents with a
// live WebSocket connection on the hub; agents reachable only over HTTP or
// pub/sub are not included.
func (r *Router) resolveTargets(ctx context.Context, msg *models.Message) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if msg.Channel != "" {
		for _, p := range r.channelSubscribers(msg.Channel) {
			add(p)
		}
	}
	if msg.IsBroadcastTarget() {
		if r.hub != nil {
			for _, id := range r.hub.ConnectedAgents() {
				add(id)
			}
		}
	} else {
		for _, t := range msg.To {
			add(t)
		}
	}
	return out
}

// Send resolves a message's targets and delivers to each, retrying per
// target with full-jitter exponential backoff (bounded by the message's
// MaxRetries when RequiresAck, by the router's MaxRetries otherwise). Unreachable
// participants (not registered) are skipped silently, per the routing table
// contract.
func (r *Router) Send(ctx context.Context, msg *models.Message) error {
	_, err := r.send(ctx, msg)
	return err
}

// send is Send's implementation, additionally returning the response
// message when msg.RequiresAck, so SendRequest can hand it back to callers
// that need the reply payload.
func (r *Router) send(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > r.cfg.MaxSize {
		return nil, models.ErrMessageTooLarge
	}
	if msg.RequiresAck && msg.MaxRetries < 1 {
		return nil, fmt.Errorf("%w: requiresAck needs maxRetries >= 1", models.ErrInvalidSpec)
	}

	var ack *pendingAck
	if msg.RequiresAck {
		ack = &pendingAck{done: make(chan struct{})}
		r.mu.Lock()
		r.pending[msg.MessageID] = ack
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			delete(r.pending, msg.MessageID)
			r.mu.Unlock()
		}()
	}

	targets := r.resolveTargets(ctx, msg)
	r.history.append(*msg)

	var lastErr error
	delivered := false
	for _, target := range targets {
		if err := r.deliverWithRetry(ctx, target, data, msg); err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}
	if !delivered && len(targets) > 0 {
		r.publish(models.EventMessageDeliveryFail, msg.MessageID)
		return nil, fmt.Errorf("%w: %v", models.ErrTransportFailure, lastErr)
	}

	if ack != nil {
		timeout := r.cfg.DefaultTimeout
		if msg.TTL > 0 {
			timeout = msg.TTL
		}
		select {
		case <-ack.done:
			ack.mu.Lock()
			resp := ack.resp
			ack.mu.Unlock()
			return resp, nil
		case <-time.After(timeout):
			r.publish(models.EventMessageDeliveryFail, msg.MessageID)
			return nil, models.ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

// SendRequest is Send for the request/response case: it forces RequiresAck
// and returns the matching response message instead of discarding it, so
// callers that need the reply payload (the conductor dispatching a task to
// an agent) do not have to duplicate the ack-tracking bookkeeping.
func (r *Router) SendRequest(ctx context.Context, msg *models.Message) (*models.Message, error) {
	msg.RequiresAck = true
	if msg.MaxRetries < 1 {
		msg.MaxRetries = r.cfg.MaxRetries
		if msg.MaxRetries < 1 {
			msg.MaxRetries = 1
		}
	}
	return r.send(ctx, msg)
}

// deliverWithRetry attempts delivery to one agent target, retrying via
// internal/corelib/resilience.Retry with exponential backoff on transport
// failure. A per-agent circuit breaker short-circuits retries against an
// endpoint that is already failing consistently, per the TransportFailure
// handling in §7.
func (r *Router) deliverWithRetry(ctx context.Context, agentID string, data []byte, msg *models.Message) error {
	breaker := r.breakerFor(agentID)
	if !breaker.Allow() {
		return fmt.Errorf("%w: circuit open for %s", models.ErrTransportFailure, agentID)
	}

	retries := r.cfg.MaxRetries
	if msg.RequiresAck && msg.MaxRetries > 0 {
		retries = msg.MaxRetries
	}
	_, err := resilience.Retry(ctx, retries, 200*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, r.deliverOnce(ctx, agentID, data)
	})
	breaker.RecordResult(err == nil)
	return err
}

// deliverOnce picks a transport from the agent's endpoint scheme and sends.
func (r *Router) deliverOnce(ctx context.Context, agentID string, data []byte) error {
	if r.hub != nil && r.hub.Connected(agentID) {
		if r.hub.Send(agentID, data) {
			return nil
		}
	}
	if r.resolver == nil {
		return fmt.Errorf("%w: no resolver configured", models.ErrTransportFailure)
	}
	agent, err := r.resolver.Get(ctx, agentID)
	if err != nil {
		return nil // unknown participant: skip silently per routing table contract
	}
	for _, ep := range agent.Endpoints {
		scheme := ep.Scheme
		if scheme == "" {
			if u, err := url.Parse(ep.URL); err == nil {
				scheme = u.Scheme
			}
		}
		switch {
		case strings.HasPrefix(scheme, "ws"):
			continue // already tried via hub above; a bare ws endpoint with no live socket is unreachable
		case strings.HasPrefix(scheme, "http"):
			if err := r.httpOut.Post(ctx, ep.URL, data); err == nil {
				return nil
			}
		case strings.HasPrefix(scheme, "nats") || strings.HasPrefix(scheme, "pubsub"):
			subject := "swarm.agent." + agentID
			if r.nc != nil {
				if err := natsctx.Publish(ctx, r.nc, subject, data); err == nil {
					return nil
				}
			} else if err := r.st.Publish(ctx, subject, data); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: no reachable endpoint for %s", models.ErrTransportFailure, agentID)
}

// HandleInbound processes a raw frame received from fromAgent: records
// history, and if it is a response, completes the matching pending ack; if
// it requires an ack, emits a system response back to the sender.
func (r *Router) HandleInbound(ctx context.Context, fromAgent string, data []byte) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("router: malformed inbound frame", "from", fromAgent, "error", err)
		return
	}
	r.history.append(msg)

	if msg.Type == models.MessageResponse && msg.CorrelationID != "" {
		r.mu.RLock()
		ack, ok := r.pending[msg.CorrelationID]
		r.mu.RUnlock()
		if ok {
			ack.mu.Lock()
			ack.resp = &msg
			ack.mu.Unlock()
			select {
			case <-ack.done:
			default:
				close(ack.done)
			}
		}
		return
	}

	if msg.RequiresAck {
		response := &models.Message{
			Type:          models.MessageResponse,
			From:          "router",
			To:            []string{msg.From},
			CorrelationID: msg.MessageID,
			Timestamp:     time.Now(),
		}
		data, err := json.Marshal(response)
		if err == nil {
			_ = r.deliverOnce(ctx, msg.From, data)
		}
	}
}

// RecentHistory returns up to n most recently delivered/received messages.
func (r *Router) RecentHistory(n int) []models.Message {
	return r.history.Recent(n)
}
