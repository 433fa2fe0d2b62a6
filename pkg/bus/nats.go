// Package bus connects the engine to NATS.
//
// State changes and progress are published as JSON on
//
//	<prefix>.workflows.<id>.state
//	<prefix>.workflows.<id>.progress
//
// and source-control events are received on <prefix>.scm.events as
// {"workflow_id": ..., "type": "pr_opened", "payload": {...}}. A request
// with a reply subject gets an EventReply back.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/prflow/prflow/pkg/engine"
)

const (
	// QueueGroup load-balances inbound events across engine replicas.
	QueueGroup = "prflow-engine"

	notifyTimeout = 30 * time.Second
)

// Conn is the part of *nats.Conn the bus needs.
type Conn interface {
	Publish(subject string, data []byte) error
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Requester sends a request and waits for the reply.
type Requester interface {
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// Notifier receives external events. *engine.Engine implements it.
type Notifier interface {
	NotifyExternalEvent(ctx context.Context, id, eventType string, payload map[string]interface{}) error
}

// SCMEvent is an inbound pull-request notification.
type SCMEvent struct {
	WorkflowID string                 `json:"workflow_id"`
	Type       string                 `json:"type"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// EventReply answers an SCMEvent sent as a request.
type EventReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// StateSubject is the subject state changes of workflow id are published on.
func StateSubject(prefix, id string) string {
	return fmt.Sprintf("%s.workflows.%s.state", prefix, id)
}

// ProgressSubject is the subject progress of workflow id is published on.
func ProgressSubject(prefix, id string) string {
	return fmt.Sprintf("%s.workflows.%s.progress", prefix, id)
}

// EventsSubject is the subject source-control events arrive on.
func EventsSubject(prefix string) string {
	return prefix + ".scm.events"
}

// Connect dials NATS and keeps reconnecting for the life of the process.
func Connect(url, name string, reconnectWait time.Duration, logger zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	}
	if reconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(reconnectWait))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Publisher publishes engine notifications. Publishing is fire-and-forget:
// failures are logged and dropped.
type Publisher struct {
	conn   Conn
	prefix string
	logger zerolog.Logger
}

// NewPublisher creates a publisher for subjects under prefix.
func NewPublisher(conn Conn, prefix string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		prefix: prefix,
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

// OnStateChange implements engine.EventSink.
func (p *Publisher) OnStateChange(_ context.Context, change engine.StateChange) {
	p.publish(StateSubject(p.prefix, change.WorkflowID), change)
}

// OnProgress implements engine.ProgressSink.
func (p *Publisher) OnProgress(_ context.Context, progress engine.Progress) {
	p.publish(ProgressSubject(p.prefix, progress.WorkflowID), progress)
}

func (p *Publisher) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error().Err(err).Str("subject", subject).Msg("Failed to encode event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}

// Listener forwards inbound source-control events to a Notifier.
type Listener struct {
	conn     Conn
	prefix   string
	notifier Notifier
	logger   zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewListener creates a listener for <prefix>.scm.events.
func NewListener(conn Conn, prefix string, notifier Notifier, logger zerolog.Logger) *Listener {
	return &Listener{
		conn:     conn,
		prefix:   prefix,
		notifier: notifier,
		logger:   logger.With().Str("component", "bus").Logger(),
	}
}

// Start subscribes. Events are handled on the subscription's goroutine, one
// at a time.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		return nil
	}

	subject := EventsSubject(l.prefix)
	sub, err := l.conn.QueueSubscribe(subject, QueueGroup, l.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	l.sub = sub
	l.logger.Info().Str("subject", subject).Msg("Listening for source-control events")
	return nil
}

// Stop drains the subscription.
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub == nil {
		return nil
	}
	err := l.sub.Drain()
	l.sub = nil
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}

func (l *Listener) handle(msg *nats.Msg) {
	reply := l.dispatch(msg.Data)
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to reply to event")
	}
}

func (l *Listener) dispatch(data []byte) EventReply {
	var ev SCMEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		l.logger.Warn().Err(err).Msg("Dropping malformed event")
		return EventReply{Error: "malformed event: " + err.Error(), Code: engine.ErrCodeValidation}
	}
	if ev.WorkflowID == "" || ev.Type == "" {
		l.logger.Warn().Str("type", ev.Type).Msg("Dropping event without workflow id or type")
		return EventReply{Error: "workflow_id and type are required", Code: engine.ErrCodeValidation}
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	log := l.logger.With().Str("workflow_id", ev.WorkflowID).Str("type", ev.Type).Logger()
	if err := l.notifier.NotifyExternalEvent(ctx, ev.WorkflowID, ev.Type, ev.Payload); err != nil {
		log.Warn().Err(err).Msg("Event rejected")
		reply := EventReply{Error: err.Error()}
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			reply.Code = ee.Code
		}
		return reply
	}
	log.Debug().Msg("Event applied")
	return EventReply{OK: true}
}

// Send delivers ev as a request and returns the engine's verdict.
func Send(ctx context.Context, r Requester, prefix string, ev SCMEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	msg, err := r.RequestWithContext(ctx, EventsSubject(prefix), data)
	if err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	var reply EventReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("failed to decode reply: %w", err)
	}
	if !reply.OK {
		if reply.Code != "" {
			return fmt.Errorf("event rejected (%s): %s", reply.Code, reply.Error)
		}
		return fmt.Errorf("event rejected: %s", reply.Error)
	}
	return nil
}

var (
	_ engine.EventSink    = (*Publisher)(nil)
	_ engine.ProgressSink = (*Publisher)(nil)
)
