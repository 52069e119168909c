package engine

import (
	"sync"
	"time"

	"github.com/datallboy/songq/internal/domain"
	"github.com/datallboy/songq/internal/infra/logger"
	"golang.org/x/time/rate"
)

// SinkFunc adapts a function to Sink.
type SinkFunc func(e domain.Event)

func (f SinkFunc) Notify(e domain.Event) { f(e) }

// Broadcaster is an asynchronous Sink: Notify only appends to a queue and a
// single goroutine delivers events, in order, to attached sinks and channel
// subscribers.
type Broadcaster struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []domain.Event
	sinks   []Sink
	subs    map[int]chan domain.Event
	nextSub int
	closed  bool
	done    chan struct{}
}

func NewBroadcaster() *Broadcaster {
	b := &Broadcaster{
		subs: make(map[int]chan domain.Event),
		done: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.loop()
	return b
}

// Attach registers a sink. Sinks are called from the delivery goroutine
// and must not block for long.
func (b *Broadcaster) Attach(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe returns a channel of events and a function to stop receiving.
// A subscriber that falls more than buffer events behind misses events.
func (b *Broadcaster) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Broadcaster) Notify(e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, e)
	b.cond.Signal()
}

// Close delivers what is already queued, then stops and closes every
// subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cond.Signal()
	b.mu.Unlock()

	<-b.done
}

func (b *Broadcaster) loop() {
	defer close(b.done)

	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			for id, ch := range b.subs {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
			return
		}

		batch := b.queue
		b.queue = nil
		sinks := append([]Sink(nil), b.sinks...)
		b.mu.Unlock()

		for _, e := range batch {
			for _, s := range sinks {
				s.Notify(e)
			}
			b.publish(e)
		}
	}
}

func (b *Broadcaster) publish(e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is behind; it can re-list to catch up
		}
	}
}

// LogSink writes transitions to the log. Progress lines are limited to one
// per item every interval.
type LogSink struct {
	log      *logger.Logger
	interval time.Duration

	mu       sync.Mutex
	progress map[string]*rate.Sometimes
}

func NewLogSink(log *logger.Logger, interval time.Duration) *LogSink {
	return &LogSink{
		log:      log.With("events"),
		interval: interval,
		progress: make(map[string]*rate.Sometimes),
	}
}

func (s *LogSink) Notify(e domain.Event) {
	switch e.Kind {
	case domain.EventProgress:
		s.mu.Lock()
		limiter, ok := s.progress[e.ItemID]
		if !ok {
			limiter = &rate.Sometimes{Interval: s.interval}
			s.progress[e.ItemID] = limiter
		}
		s.mu.Unlock()

		limiter.Do(func() {
			s.log.Debug("%s %d%%", e.ItemID, e.Progress)
		})
	case domain.EventFailed:
		s.forget(e.ItemID)
		s.log.Info("%s failed (%s)", e.ItemID, e.FailureReason)
	case domain.EventCompleted, domain.EventRemoved:
		s.forget(e.ItemID)
		s.log.Info("%s %s", e.ItemID, e.Kind)
	default:
		s.log.Debug("%s %s", e.ItemID, e.Kind)
	}
}

func (s *LogSink) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.progress, id)
}
