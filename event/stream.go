package event

import (
	"errors"
	"sync"
	"time"
)

type Stream[E any] interface {
	ID() string
	Notify(event E, timeout time.Duration) error
	Close()
}

type BufferedStream[E any] struct {
	sync.Mutex

	id string

	closed bool
	ch     chan E
}

func NewBufferedStream[E any](id string, bufferSize int) *BufferedStream[E] {
	return &BufferedStream[E]{
		id: id,
		ch: make(chan E, bufferSize),
	}
}

func (s *BufferedStream[E]) ID() string {
	return s.id
}

func (s *BufferedStream[E]) Notify(event E, timeout time.Duration) error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return errors.New("cannot notify closed stream")
	}

	select {
	case s.ch <- event:
	case <-time.After(timeout):
		s.Unlock()
		s.Close()
		return errors.New("timed out sending event to stream")
	}

	s.Unlock()
	return nil
}

func (s *BufferedStream[E]) Channel() <-chan E {
	return s.ch
}

func (s *BufferedStream[E]) Close() {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	close(s.ch)
}
