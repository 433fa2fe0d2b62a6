package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prflow/prflow/pkg/engine"
)

// Event is an in-process notification derived from engine activity.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	Source     string                 `json:"source"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Stage      string                 `json:"stage,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeStateChanged   = "workflow.state_changed"
	EventTypeCompleted      = "workflow.completed"
	EventTypeFailed         = "workflow.failed"
	EventTypeCancelled      = "workflow.cancelled"
	EventTypeStageStarted   = "stage.started"
	EventTypeStageCompleted = "stage.completed"
	EventTypeStageRetrying  = "stage.retrying"
	EventTypeAnomaly        = "workflow.anomaly"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// ErrBufferFull is returned when the async buffer cannot take another event.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber handles delivered events. Subscribers run on the delivery
// goroutine and must return quickly.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher turns engine state changes and progress into Events and
// delivers them to subscribers. It implements engine.EventSink and engine.ProgressSink.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	if !cfg.Enabled {
		return ep
	}
	if cfg.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, max(cfg.BufferSize, 1))
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if ep.ctx.Err() != nil {
		return ErrPublisherStopped
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.buffer == nil {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case ep.buffer <- event:
		return nil
	case <-ep.ctx.Done():
		return ErrPublisherStopped
	default:
		return ErrBufferFull
	}
}

// OnStateChange publishes a state change and, for terminal states, a completion event.
func (ep *EventPublisher) OnStateChange(_ context.Context, change engine.StateChange) {
	data := map[string]interface{}{
		"from":    string(change.From),
		"to":      string(change.To),
		"version": change.Context.Version,
	}
	if change.ErrorKind != "" {
		data["error_kind"] = string(change.ErrorKind)
	}
	_ = ep.Publish(Event{
		Type:       EventTypeStateChanged,
		Source:     "engine",
		WorkflowID: change.WorkflowID,
		Timestamp:  change.Timestamp,
		Message:    fmt.Sprintf("Workflow %s moved from %s to %s", change.WorkflowID, change.From, change.To),
		Level:      EventLevelInfo,
		Data:       data,
	})

	final := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		final[k] = v
	}
	var (
		eventType string
		level     = EventLevelInfo
	)
	switch change.To {
	case engine.StateCompleted:
		eventType = EventTypeCompleted
		final["merge_mode"] = change.Context.MergeMode
	case engine.StateFailed:
		eventType = EventTypeFailed
		level = EventLevelError
	case engine.StateCancelled:
		eventType = EventTypeCancelled
	default:
		return
	}
	_ = ep.Publish(Event{
		Type:       eventType,
		Source:     "engine",
		WorkflowID: change.WorkflowID,
		Timestamp:  change.Timestamp,
		Message:    fmt.Sprintf("Workflow %s finished in %s: %s", change.WorkflowID, change.To, change.Reason),
		Level:      level,
		Data:       final,
	})
}

// OnProgress publishes stage progress and anomalies.
func (ep *EventPublisher) OnProgress(_ context.Context, p engine.Progress) {
	event := Event{
		Source:     "engine",
		WorkflowID: p.WorkflowID,
		Stage:      string(p.Stage),
		Timestamp:  p.Timestamp,
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"state":   string(p.State),
			"attempt": p.Attempt,
		},
	}
	switch p.Type {
	case engine.ProgressStageStarted:
		event.Type = EventTypeStageStarted
		event.Message = fmt.Sprintf("Stage %s attempt %d started", p.Stage, p.Attempt)
	case engine.ProgressStageCompleted:
		event.Type = EventTypeStageCompleted
		event.Message = fmt.Sprintf("Stage %s attempt %d finished", p.Stage, p.Attempt)
		if p.Outcome != nil {
			event.Data["success"] = p.Outcome.Success
			event.Data["duration_ms"] = p.Outcome.DurationMs
			if !p.Outcome.Success {
				event.Level = EventLevelWarning
				event.Data["error_kind"] = string(p.Outcome.ErrorKind)
			}
		}
	case engine.ProgressStageRetrying:
		event.Type = EventTypeStageRetrying
		event.Level = EventLevelWarning
		event.Message = fmt.Sprintf("Stage %s retrying in %s", p.Stage, p.Delay)
		event.Data["delay_ms"] = p.Delay.Milliseconds()
	case engine.ProgressAnomaly:
		event.Type = EventTypeAnomaly
		event.Level = EventLevelWarning
		event.Message = p.Message
	default:
		return
	}
	_ = ep.Publish(event)
}

// Subscribe adds a subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in batches, flushing partial batches
// every FlushInterval and on shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for buffered ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel allows events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType allows only the given event types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByWorkflowID allows only events for one workflow.
func FilterByWorkflowID(id string) EventFilter {
	return func(event Event) bool {
		return event.WorkflowID == id
	}
}
