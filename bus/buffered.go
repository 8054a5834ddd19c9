package bus

import (
	"sync"
	"sync/atomic"

	"smartfeed/logger"
	"smartfeed/models"
)

// BufferedListener decouples a slow sink from the synchronous bus with a
// bounded queue. When the queue is full the oldest pending event is dropped
// so the producer never blocks and the sink always converges on fresh data.
type BufferedListener struct {
	name string
	ch   chan models.Event
	sink func(models.Event)
	log  *logger.Log

	sent    int64
	dropped int64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewBufferedListener starts the drain goroutine and returns the listener.
// Register its Enqueue method on the bus.
func NewBufferedListener(name string, size int, sink func(models.Event)) *BufferedListener {
	if size <= 0 {
		size = 64
	}
	l := &BufferedListener{
		name: name,
		ch:   make(chan models.Event, size),
		sink: sink,
		log:  logger.GetLogger(),
		done: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.drain()
	return l
}

// Enqueue accepts an event without blocking, dropping the oldest queued
// event under pressure.
func (l *BufferedListener) Enqueue(evt models.Event) {
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.ch <- evt:
		atomic.AddInt64(&l.sent, 1)
		logger.RecordStream(l.name, 1)
		return
	default:
	}
	select {
	case <-l.ch:
		atomic.AddInt64(&l.dropped, 1)
	default:
	}
	select {
	case l.ch <- evt:
		atomic.AddInt64(&l.sent, 1)
		logger.RecordStream(l.name, 1)
	default:
		atomic.AddInt64(&l.dropped, 1)
		l.log.WithComponent("event_bus").WithFields(logger.Fields{
			"listener": l.name,
		}).Warn("listener queue full, dropping event")
	}
}

func (l *BufferedListener) drain() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			// Flush whatever is still queued before exiting.
			for {
				select {
				case evt := <-l.ch:
					l.sink(evt)
				default:
					return
				}
			}
		case evt := <-l.ch:
			l.sink(evt)
		}
	}
}

// Stats returns the delivered and dropped counts so far.
func (l *BufferedListener) Stats() (sent, dropped int64) {
	return atomic.LoadInt64(&l.sent), atomic.LoadInt64(&l.dropped)
}

// Close stops the drain goroutine after flushing queued events.
func (l *BufferedListener) Close() {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
}
