package observer

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/peekproxy/peekproxy-srv/logger"
	"github.com/codefionn/peekproxy/peekproxy-srv/stats"
)

const (
	statsQueueSize    = 256
	statsWriteTimeout = 5 * time.Second
)

type errorEvent struct {
	connectionID int64
	errorType    string
	message      string
}

// StatsObserver records failures in a stats collector. Events are queued and
// written by a background goroutine so a slow database never stalls a
// connection; when the queue is full the event is dropped.
type StatsObserver struct {
	Nop

	collector stats.Collector
	events    chan errorEvent
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewStatsObserver starts the writer goroutine. Call Close to drain it.
func NewStatsObserver(collector stats.Collector) *StatsObserver {
	s := &StatsObserver{
		collector: collector,
		events:    make(chan errorEvent, statsQueueSize),
	}

	s.wg.Add(1)
	go s.writer()

	return s
}

func (s *StatsObserver) writer() {
	defer s.wg.Done()

	for ev := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), statsWriteTimeout)
		if err := s.collector.RecordError(ctx, ev.connectionID, ev.errorType, ev.message); err != nil {
			logger.Debug("Failed to record %s error: %v", ev.errorType, err)
		}
		cancel()
	}
}

func (s *StatsObserver) enqueue(ev errorEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.events <- ev:
	default:
		logger.Debug("Stats queue full, dropping %s error", ev.errorType)
	}
}

func (s *StatsObserver) ConnectionFailed(ev ErrorEvent) {
	s.record(ev)
}

func (s *StatsObserver) Error(ev ErrorEvent) {
	s.record(ev)
}

func (s *StatsObserver) record(ev ErrorEvent) {
	s.enqueue(errorEvent{
		connectionID: ev.ConnectionID,
		errorType:    ev.Category,
		message:      ev.Message(),
	})
}

// Close stops accepting events and waits until queued ones are written.
func (s *StatsObserver) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
