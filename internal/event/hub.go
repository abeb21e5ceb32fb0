package event

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/skillvergence/skillvergence-cert-go/internal/model"
)

// Hub fans events out to in-process subscribers over buffered channels.
// Sends never block the publisher: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	closed bool
}

type subscription struct {
	ch    chan EventEnvelope
	types map[string]bool // empty means all types
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscription)}
}

// Subscribe registers a subscriber for the given event types (all types when none are given).
// The returned cancel function unregisters it and closes the channel.
func (h *Hub) Subscribe(buffer int, types ...string) (<-chan EventEnvelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription{ch: make(chan EventEnvelope, buffer), types: make(map[string]bool, len(types))}
	for _, t := range types {
		sub.types[t] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if s, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(s.ch)
			}
		})
	}
}

func (h *Hub) dispatch(env EventEnvelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if len(sub.types) > 0 && !sub.types[env.Type] {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			slog.Warn("event subscriber buffer full, dropping event", "type", env.Type, "subject", env.Subject)
		}
	}
}

func (h *Hub) PublishCertificate(ctx context.Context, eventType string, cert model.Certificate) error {
	h.dispatch(newEnvelope(ctx, eventType, cert.ID, cert))
	return nil
}

func (h *Hub) PublishDelivery(ctx context.Context, d model.DeliveryResult) error {
	h.dispatch(newEnvelope(ctx, TypeCertificateDelivery, d.CertificateID, d))
	return nil
}

func (h *Hub) PublishVideoCompleted(ctx context.Context, rec model.VideoProgressRecord) error {
	h.dispatch(newEnvelope(ctx, TypeVideoCompleted, rec.VideoID, rec))
	return nil
}

// Close closes every subscriber channel. Later subscriptions receive a closed channel.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
	return nil
}

// multi forwards every event to several publishers.
type multi []Publisher

// Multi combines publishers; each receives every event and errors are joined.
func Multi(pubs ...Publisher) Publisher {
	return multi(pubs)
}

func (m multi) each(fn func(Publisher) error) error {
	var errs []error
	for _, p := range m {
		if err := fn(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) PublishCertificate(ctx context.Context, eventType string, cert model.Certificate) error {
	return m.each(func(p Publisher) error { return p.PublishCertificate(ctx, eventType, cert) })
}

func (m multi) PublishDelivery(ctx context.Context, d model.DeliveryResult) error {
	return m.each(func(p Publisher) error { return p.PublishDelivery(ctx, d) })
}

func (m multi) PublishVideoCompleted(ctx context.Context, rec model.VideoProgressRecord) error {
	return m.each(func(p Publisher) error { return p.PublishVideoCompleted(ctx, rec) })
}

func (m multi) Close() error {
	return m.each(func(p Publisher) error { return p.Close() })
}
