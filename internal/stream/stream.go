// Package stream forwards committed transactions to Kafka for downstream
// consumers (reporting, notifications). Delivery is best effort: the ledger
// commit never waits on the broker, and a full queue drops the record.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"bar-loyalty-api/internal/events"
	"bar-loyalty-api/internal/models"

	"github.com/segmentio/kafka-go"
)

// Config holds Kafka connection configuration.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the JSON value written for each committed transaction.
type Message struct {
	Event       string             `json:"event"`
	Transaction models.Transaction `json:"transaction"`
	PublishedAt time.Time          `json:"published_at"`
}

const (
	defaultQueueSize = 1024
	maxBatch         = 100
)

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("stream: publisher closed")
	// ErrQueueFull is returned by Enqueue when the writer has fallen behind.
	ErrQueueFull = errors.New("stream: queue full")
)

// Publisher writes committed transactions to a topic keyed by balance key.
// A single goroutine drains the queue, so records reach the writer in the
// order they were enqueued and one balance's records stay in order on its
// partition.
type Publisher struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan models.Transaction
	done   chan struct{}
}

// NewKafkaWriter creates the Kafka writer for cfg.
func NewKafkaWriter(cfg Config) *kafka.Writer {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: batchTimeout,
	}
}

// NewPublisher wraps a message writer and starts the goroutine feeding it.
func NewPublisher(w MessageWriter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		writer:  w,
		timeout: 10 * time.Second,
		logger:  logger,
		queue:   make(chan models.Transaction, defaultQueueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Attach subscribes the publisher to committed transactions. The ledger
// publishes while it still holds the balance lock, so the synchronous handler
// enqueues one balance's records in commit order.
func (p *Publisher) Attach(m *events.Manager) {
	m.SubscribeSync(events.EventTransactionCommitted, p.Handle)
}

// Handle is an events.Handler for committed transactions.
func (p *Publisher) Handle(ctx context.Context, e events.Event) error {
	data, ok := e.Data.(events.TransactionCommittedData)
	if !ok {
		return fmt.Errorf("unexpected event data %T", e.Data)
	}
	return p.Enqueue(data.Transaction)
}

// Enqueue hands txn to the writer goroutine without waiting for the broker.
func (p *Publisher) Enqueue(txn models.Transaction) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- txn:
		return nil
	default:
		return fmt.Errorf("failed to enqueue transaction %s: %w", txn.ID, ErrQueueFull)
	}
}

// run writes whatever is queued as one ordered batch per call.
func (p *Publisher) run() {
	defer close(p.done)
	for txn := range p.queue {
		batch := []models.Transaction{txn}
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-p.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if err := p.write(context.Background(), batch); err != nil {
			p.logger.Warn("event stream write failed", "transactions", len(batch), "first_transaction_id", batch[0].ID, "error", err)
		}
	}
}

// Publish writes one transaction and waits for the broker.
func (p *Publisher) Publish(ctx context.Context, txn models.Transaction) error {
	return p.write(ctx, []models.Transaction{txn})
}

func (p *Publisher) write(ctx context.Context, txns []models.Transaction) error {
	msgs := make([]kafka.Message, 0, len(txns))
	now := time.Now().UTC()
	for _, txn := range txns {
		value, err := json.Marshal(Message{
			Event:       string(events.EventTransactionCommitted),
			Transaction: txn,
			PublishedAt: now,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal transaction %s: %w", txn.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatInt(txn.UserID, 10) + ":" + strconv.FormatInt(txn.VenueID, 10)),
			Value: value,
			Time:  txn.CreatedAt,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(txn.Type)},
			},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish transaction %s: %w", txns[0].ID, err)
	}

	p.logger.Debug("transactions published", "count", len(txns), "first_transaction_id", txns[0].ID)
	return nil
}

// Close stops accepting records, writes everything already queued and closes
// the writer. It is safe to call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}
