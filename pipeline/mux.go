package pipeline

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
)

// readChunkSize bounds a single pipe read. Chunks are arbitrary byte runs,
// not line-delimited. The limit is conservative so a JSON-escaped chunk
// stays under the default WebSocket read limit on the consumer side.
const readChunkSize = 8 * 1024

// DefaultQueueSize is the event channel capacity used when the caller does
// not configure one. When the channel is full the pipe readers block, so
// backpressure propagates to the child through the OS pipe buffers rather
// than growing memory.
const DefaultQueueSize = 64

// Mux drains a process's stdout and stderr concurrently and merges them,
// tagged by origin, onto a single event channel. It emits exactly one
// terminal event after both pipes reach EOF, then closes the channel.
type Mux struct {
	log    *zap.SugaredLogger
	proc   *Proc
	events chan Event

	wg sync.WaitGroup
}

// NewMux starts draining proc. The feed is available on Events immediately.
func NewMux(log *zap.SugaredLogger, proc *Proc, queueSize int) *Mux {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	m := &Mux{
		log:    log,
		proc:   proc,
		events: make(chan Event, queueSize),
	}
	m.wg.Add(2)
	go m.drain(proc.stdout, EventStdout)
	go m.drain(proc.stderr, EventStderr)
	go m.finish()
	return m
}

// Events returns the run's event feed. The channel is closed after the
// terminal event; the consumer must drain it for the process to exit cleanly.
func (m *Mux) Events() <-chan Event {
	return m.events
}

func (m *Mux) drain(r io.Reader, origin EventType) {
	defer m.wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.events <- streamEvent(origin, buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				m.log.Debugf("%s reader stopped: %s", origin, err)
			}
			return
		}
	}
}

func (m *Mux) finish() {
	m.wg.Wait()
	code, err := m.proc.Wait()
	if err != nil {
		m.log.Debugf("pipeline process fault: %s", err)
		m.events <- errorEvent("pipeline process fault: " + err.Error())
	} else {
		m.log.Debugf("pipeline process exited with code %d", code)
		m.events <- completeEvent(code)
	}
	close(m.events)
}

// Run validates req, spawns the driver, and returns the run's event feed.
// A validation failure is returned as an error before any process is started.
// A spawn failure is not an error here: it surfaces as a feed containing a
// single error event, so the transport's framing is uniform.
func Run(ctx context.Context, log *zap.SugaredLogger, l *Launcher, req Request, queueSize int) (<-chan Event, error) {
	norm, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	proc, err := l.Start(ctx, norm.Args())
	if err != nil {
		log.Debugf("spawn failed: %s", err)
		events := make(chan Event, 1)
		events <- errorEvent(err.Error())
		close(events)
		return events, nil
	}
	return NewMux(log, proc, queueSize).Events(), nil
}
