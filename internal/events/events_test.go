package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"bar-loyalty-api/internal/models"
)

func TestPublish_DeliversToSubscribers(t *testing.T) {
	m := NewManager(true, nil)

	var calls atomic.Int32
	var gotID atomic.Value
	m.Subscribe(EventTransactionCommitted, func(ctx context.Context, e Event) error {
		calls.Add(1)
		gotID.Store(e.Data.(TransactionCommittedData).Transaction.ID)
		return nil
	})
	m.Subscribe(EventTransactionCommitted, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return errors.New("handler failure is only logged")
	})

	ctx, cancel := context.WithCancel(context.Background())
	m.PublishTransactionCommitted(ctx, models.Transaction{ID: "txn-1"})
	cancel()
	m.Wait()

	if calls.Load() != 2 {
		t.Fatalf("Expected 2 handler calls, got %d", calls.Load())
	}
	if gotID.Load() != "txn-1" {
		t.Errorf("Expected txn-1, got %v", gotID.Load())
	}
}

func TestSubscribeSync_RunsInPublishOrder(t *testing.T) {
	m := NewManager(true, nil)

	var seen []string
	m.SubscribeSync(EventTransactionCommitted, func(ctx context.Context, e Event) error {
		seen = append(seen, e.Data.(TransactionCommittedData).Transaction.ID)
		return nil
	})

	for _, id := range []string{"txn-1", "txn-2", "txn-3"} {
		m.PublishTransactionCommitted(context.Background(), models.Transaction{ID: id})
		if seen[len(seen)-1] != id {
			t.Fatalf("Expected %s to be delivered before Publish returned, got %v", id, seen)
		}
	}
	if len(seen) != 3 {
		t.Errorf("Expected 3 deliveries, got %v", seen)
	}

	m.Shutdown()
	m.PublishTransactionCommitted(context.Background(), models.Transaction{ID: "txn-4"})
	if len(seen) != 3 {
		t.Errorf("Expected no delivery after shutdown, got %v", seen)
	}
}

func TestPublish_DisabledManagerIsNoop(t *testing.T) {
	m := NewManager(false, nil)

	var calls atomic.Int32
	m.Subscribe(EventRuleUpdated, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	m.PublishRuleUpdated(context.Background(), models.VenueAccrualRule{VenueID: 1})
	m.Wait()

	if calls.Load() != 0 {
		t.Errorf("Expected no calls, got %d", calls.Load())
	}
}

func TestShutdown_DropsHandlers(t *testing.T) {
	m := NewManager(true, nil)

	var calls atomic.Int32
	m.Subscribe(EventTransactionRejected, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	m.Shutdown()
	m.PublishTransactionRejected(context.Background(), TransactionRejectedData{Code: "token_expired"})
	m.Wait()

	if calls.Load() != 0 {
		t.Errorf("Expected no calls after shutdown, got %d", calls.Load())
	}
}

func TestPublish_NilManager(t *testing.T) {
	var m *Manager
	m.PublishTransactionCommitted(context.Background(), models.Transaction{})
}
