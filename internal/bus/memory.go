package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Memory is the in-process bus implementation. Publish validates the message
// and dispatches it to every subscriber of its topic in registration order.
// Handlers are invoked inline; consumers that need sequencing or long work
// queue onto their own mailbox (the coordinator does).
type Memory struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

// NewMemory returns an empty in-process bus.
func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a topic.
func (m *Memory) Subscribe(topic string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = append(m.handlers[topic], h)
}

// Publish validates and delivers a message to all topic subscribers.
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	subscribers := make([]Handler, len(m.handlers[msg.Topic()]))
	copy(subscribers, m.handlers[msg.Topic()])
	m.mu.RUnlock()

	if len(subscribers) == 0 && m.logger != nil {
		m.logger.Debug("no subscribers for topic", zap.String("topic", msg.Topic()))
	}

	for _, h := range subscribers {
		h(ctx, msg)
	}
	return nil
}
