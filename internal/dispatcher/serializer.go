package dispatcher

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("serializer is closed")

// Serializer runs jobs one at a time per key, in submission order. Jobs
// with different keys run concurrently. A lane's goroutine exits when its
// queue drains.
type Serializer struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	queue []func()
}

func NewSerializer() *Serializer {
	return &Serializer{lanes: make(map[string]*lane)}
}

func (s *Serializer) Submit(key string, job func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if l, busy := s.lanes[key]; busy {
		l.queue = append(l.queue, job)
		s.mu.Unlock()
		return nil
	}
	l := &lane{}
	s.lanes[key] = l
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(key, l, job)
	return nil
}

func (s *Serializer) run(key string, l *lane, job func()) {
	defer s.wg.Done()
	for {
		job()

		s.mu.Lock()
		if len(l.queue) == 0 {
			delete(s.lanes, key)
			s.mu.Unlock()
			return
		}
		job = l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		s.mu.Unlock()
	}
}

// Active returns the number of keys with queued or running work.
func (s *Serializer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}

// Close stops accepting jobs. Queued jobs still run.
func (s *Serializer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Wait blocks until every lane drains or ctx is done.
func (s *Serializer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
