package broadcast

import "sync"

// Subscriber is one real-time recipient with its own bounded queue.
type Subscriber struct {
	id     string
	mu     sync.Mutex
	frames chan Frame
	done   chan struct{}
	closed bool
	missed int
}

func newSubscriber(id string, buffer int) *Subscriber {
	return &Subscriber{
		id:     id,
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
	}
}

// ID identifies the subscriber in logs.
func (s *Subscriber) ID() string {
	return s.id
}

// Frames yields queued frames in publish order. It is closed with the subscriber.
func (s *Subscriber) Frames() <-chan Frame {
	return s.frames
}

// Done is closed once the subscriber is closed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close stops delivery to this subscriber only.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
	close(s.done)
}

// deliver queues frame without blocking and reports whether it was accepted.
func (s *Subscriber) deliver(frame Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		s.missed++
		return false
	}
}

// Missed counts frames rejected because the queue was full.
func (s *Subscriber) Missed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missed
}
