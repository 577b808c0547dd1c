package events

import (
	"sync"

	"go.uber.org/zap"
)

// Queue hands events to a single worker goroutine so a slow handler (a
// database or cache write) does not hold up the publisher. Events are handled
// in the order they were pushed.
type Queue struct {
	mu     sync.Mutex
	closed bool

	ch      chan Event
	done    chan struct{}
	handler Handler
	logger  *zap.Logger
}

// NewQueue starts the worker goroutine
func NewQueue(size int, handler Handler, logger *zap.Logger) *Queue {
	q := &Queue{
		ch:      make(chan Event, size),
		done:    make(chan struct{}),
		handler: handler,
		logger:  logger,
	}
	go q.run()
	return q
}

// Push enqueues e. It blocks while the queue is full and drops events pushed
// after Close.
func (q *Queue) Push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.logger.Warn("event queue closed, dropping event", zap.String("type", string(e.Type)))
		return
	}
	q.ch <- e
}

// Close stops accepting events and waits for the backlog to drain
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)

	for e := range q.ch {
		q.handle(e)
	}
}

func (q *Queue) handle(e Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("event handler panicked", zap.String("type", string(e.Type)), zap.Any("panic", r))
		}
	}()
	q.handler(e)
}
