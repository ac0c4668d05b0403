package event

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

var ErrBusClosed = errors.New("event bus is closed")

type EventHandler func(event *CallEvent)

type EventMiddleware func(next EventHandler) EventHandler

// EventBus fans call events out to subscribers asynchronously. Delivery order
// between two events is not guaranteed; handlers read the session snapshot carried
// on the event instead of assuming they see every intermediate state.
type EventBus interface {
	Publish(eventType EventType, sessionID string, data interface{}) error
	PublishEvent(event *CallEvent) error
	Subscribe(eventType EventType, handler EventHandler) error
	Use(middleware EventMiddleware)
	Close() error
	Stats() BusStats
}

type BusStats struct {
	Published   int64               `json:"published"`
	ByType      map[EventType]int64 `json:"by_type"`
	Subscribers int                 `json:"subscribers"`
	Panics      int64               `json:"panics"`
}

type DefaultEventBus struct {
	mutex       sync.RWMutex
	closed      bool
	subscribers map[EventType][]EventHandler
	middleware  []EventMiddleware
	inflight    sync.WaitGroup

	published atomic.Int64
	panics    atomic.Int64
	byType    sync.Map // EventType -> *atomic.Int64
}

func NewEventBus() *DefaultEventBus {
	return &DefaultEventBus{subscribers: make(map[EventType][]EventHandler)}
}

func (b *DefaultEventBus) Publish(eventType EventType, sessionID string, data interface{}) error {
	return b.PublishEvent(NewCallEvent(eventType, sessionID).WithData(data))
}

// PublishEvent runs every subscriber of event.Type on its own goroutine and returns
// without waiting for them.
func (b *DefaultEventBus) PublishEvent(event *CallEvent) error {
	b.mutex.RLock()
	if b.closed {
		b.mutex.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]EventHandler, 0, len(b.subscribers[event.Type]))
	for _, h := range b.subscribers[event.Type] {
		for i := len(b.middleware) - 1; i >= 0; i-- {
			h = b.middleware[i](h)
		}
		handlers = append(handlers, h)
	}
	// Counted under the lock so Close cannot miss a handler about to start.
	b.inflight.Add(len(handlers))
	b.mutex.RUnlock()

	b.count(event.Type)
	for _, h := range handlers {
		go b.run(h, event)
	}
	return nil
}

func (b *DefaultEventBus) run(h EventHandler, event *CallEvent) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			logger.Base().Error("Event handler panic",
				zap.String("type", string(event.Type)),
				zap.String("session_id", event.SessionID),
				zap.Any("panic", r))
		}
	}()
	h(event)
}

func (b *DefaultEventBus) count(eventType EventType) {
	b.published.Add(1)
	counter, _ := b.byType.LoadOrStore(eventType, new(atomic.Int64))
	counter.(*atomic.Int64).Add(1)
}

func (b *DefaultEventBus) Subscribe(eventType EventType, handler EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
	logger.Base().Debug("Subscribed to event type", zap.String("event_type", string(eventType)))
	return nil
}

// Use wraps handlers of events published from now on. The first middleware added
// runs outermost.
func (b *DefaultEventBus) Use(middleware EventMiddleware) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// Wait blocks until handlers started so far have returned.
func (b *DefaultEventBus) Wait() {
	b.inflight.Wait()
}

// Close rejects new events and waits for running handlers.
func (b *DefaultEventBus) Close() error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[EventType][]EventHandler)
	b.mutex.Unlock()

	b.inflight.Wait()
	logger.Base().Info("Event bus closed", zap.Int64("published", b.published.Load()))
	return nil
}

func (b *DefaultEventBus) Stats() BusStats {
	stats := BusStats{
		Published: b.published.Load(),
		Panics:    b.panics.Load(),
		ByType:    make(map[EventType]int64),
	}
	b.byType.Range(func(k, v interface{}) bool {
		stats.ByType[k.(EventType)] = v.(*atomic.Int64).Load()
		return true
	})
	b.mutex.RLock()
	for _, hs := range b.subscribers {
		stats.Subscribers += len(hs)
	}
	b.mutex.RUnlock()
	return stats
}
