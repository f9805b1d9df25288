package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bar-loyalty-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventTransactionCommitted is emitted after a balance mutation and its log record commit
	EventTransactionCommitted EventType = "transaction.committed"
	// EventTransactionRejected is emitted when the engine refuses a scan or adjustment
	EventTransactionRejected EventType = "transaction.rejected"
	// EventRuleUpdated is emitted when an admin changes a venue accrual rule
	EventRuleUpdated EventType = "rule.updated"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// TransactionCommittedData contains data for committed transaction events.
type TransactionCommittedData struct {
	Transaction models.Transaction
}

// TransactionRejectedData contains data for rejected transaction events.
type TransactionRejectedData struct {
	Operation string
	Code      string
	UserID    int64
	VenueID   int64
}

// RuleUpdatedData contains data for rule updated events.
type RuleUpdatedData struct {
	Rule models.VenueAccrualRule
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	inline   map[EventType][]Handler
	enabled  bool
	logger   *slog.Logger
	inflight sync.WaitGroup
}

// NewManager creates a new event manager.
func NewManager(enabled bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		handlers: make(map[EventType][]Handler),
		inline:   make(map[EventType][]Handler),
		enabled:  enabled,
		logger:   logger,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// SubscribeSync subscribes a handler that runs inside Publish, before it
// returns. Such handlers see events in the order they were published and
// must not block.
func (m *Manager) SubscribeSync(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.inline[eventType] = append(m.inline[eventType], handler)
}

// Publish publishes an event to all subscribed handlers. Handlers added with
// SubscribeSync run first, on the caller's goroutine; the rest run
// asynchronously. Both outlive the caller's context cancellation.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if m == nil {
		return
	}

	m.mu.RLock()
	enabled := m.enabled
	inline := m.inline[eventType]
	handlers := m.handlers[eventType]
	if enabled && len(handlers) > 0 {
		m.inflight.Add(len(handlers))
	}
	m.mu.RUnlock()

	if !enabled || len(inline)+len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	detached := context.WithoutCancel(ctx)
	for _, h := range inline {
		if err := h(detached, event); err != nil {
			m.logger.Warn("event handler failed", "event", string(event.Type), "error", err)
		}
	}
	for _, handler := range handlers {
		go func(h Handler) {
			defer m.inflight.Done()
			if err := h(detached, event); err != nil {
				m.logger.Warn("event handler failed", "event", string(event.Type), "error", err)
			}
		}(handler)
	}
}

// PublishTransactionCommitted publishes a committed transaction event.
func (m *Manager) PublishTransactionCommitted(ctx context.Context, txn models.Transaction) {
	m.Publish(ctx, EventTransactionCommitted, TransactionCommittedData{Transaction: txn})
}

// PublishTransactionRejected publishes a rejected transaction event.
func (m *Manager) PublishTransactionRejected(ctx context.Context, data TransactionRejectedData) {
	m.Publish(ctx, EventTransactionRejected, data)
}

// PublishRuleUpdated publishes a rule updated event.
func (m *Manager) PublishRuleUpdated(ctx context.Context, rule models.VenueAccrualRule) {
	m.Publish(ctx, EventRuleUpdated, RuleUpdatedData{Rule: rule})
}

// Wait blocks until every handler started so far has returned.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Shutdown stops accepting events and waits for running handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.inline = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.inflight.Wait()
}
