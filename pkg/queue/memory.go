package queue

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Broker with the same at-least-once semantics as
// the redis implementation. Used by tests and single-node deployments.
type Memory struct {
	mu       sync.Mutex
	queues   map[string][][]byte
	delayed  map[string][]delayedItem
	reserved map[string]memReservation
	now      func() time.Time
}

type delayedItem struct {
	payload []byte
	dueAt   time.Time
}

type memReservation struct {
	queue    string
	payload  []byte
	deadline time.Time
}

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		queues:   make(map[string][][]byte),
		delayed:  make(map[string][]delayedItem),
		reserved: make(map[string]memReservation),
		now:      time.Now,
	}
}

// SetClock replaces the time source for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Publish appends to the back of a FIFO queue.
func (m *Memory) Publish(ctx context.Context, queue string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[queue] = append(m.queues[queue], msg.Encode())
	return nil
}

// Reserve pops the oldest message under a visibility timeout. Expired
// reservations are reclaimed to the front of the queue first.
func (m *Memory) Reserve(ctx context.Context, queue string, visibility time.Duration) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reclaimLocked(queue)

	items := m.queues[queue]
	if len(items) == 0 {
		return nil, nil
	}

	payload := items[0]
	m.queues[queue] = items[1:]

	msg, err := DecodeMessage(payload)
	if err != nil {
		return nil, err
	}

	receipt := uuid.New().String()
	m.reserved[receipt] = memReservation{
		queue:    queue,
		payload:  payload,
		deadline: m.now().Add(visibility),
	}

	return &Reservation{Queue: queue, Receipt: receipt, Message: msg}, nil
}

// Ack removes a reserved message for good.
func (m *Memory) Ack(ctx context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reserved[r.Receipt]; !ok {
		return ErrInvalidReservation
	}
	delete(m.reserved, r.Receipt)
	return nil
}

// Schedule places a message on a delayed queue ordered by due time.
func (m *Memory) Schedule(ctx context.Context, queue string, msg Message, dueAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg.DueAt = dueAt.Unix()
	m.delayed[queue] = append(m.delayed[queue], delayedItem{payload: msg.Encode(), dueAt: dueAt})
	sort.SliceStable(m.delayed[queue], func(i, j int) bool {
		return m.delayed[queue][i].dueAt.Before(m.delayed[queue][j].dueAt)
	})
	return nil
}

// Due pops every delayed message whose due time has passed.
func (m *Memory) Due(ctx context.Context, queue string, now time.Time) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.delayed[queue]
	var due []Message
	var remaining []delayedItem
	for _, item := range items {
		if item.dueAt.After(now) {
			remaining = append(remaining, item)
			continue
		}
		msg, err := DecodeMessage(item.payload)
		if err != nil {
			return nil, err
		}
		due = append(due, msg)
	}
	m.delayed[queue] = remaining
	return due, nil
}

// List returns up to limit messages without removing them. For delayed
// queues it lists in due order.
func (m *Memory) List(ctx context.Context, queue string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var payloads [][]byte
	for _, item := range m.queues[queue] {
		payloads = append(payloads, item)
	}
	for _, item := range m.delayed[queue] {
		payloads = append(payloads, item.payload)
	}

	var out []Message
	for _, payload := range payloads {
		if limit > 0 && len(out) >= limit {
			break
		}
		msg, err := DecodeMessage(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// Remove deletes the first matching message from a FIFO queue.
func (m *Memory) Remove(ctx context.Context, queue string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := msg.Encode()
	items := m.queues[queue]
	for i, item := range items {
		if bytes.Equal(item, target) {
			m.queues[queue] = append(items[:i:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

// Depth counts queued plus delayed messages.
func (m *Memory) Depth(ctx context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.queues[queue]) + len(m.delayed[queue])), nil
}

// reclaimLocked returns expired reservations to the front of their queue.
func (m *Memory) reclaimLocked(queue string) {
	now := m.now()
	for receipt, res := range m.reserved {
		if res.queue != queue || res.deadline.After(now) {
			continue
		}
		m.queues[queue] = append([][]byte{res.payload}, m.queues[queue]...)
		delete(m.reserved, receipt)
	}
}
