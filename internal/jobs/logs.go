package jobs

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// LogBuffer tees job log lines to a bounded in-memory ring and a durable
// tail file. Followers receive every line from the start of the ring.
type LogBuffer struct {
	mu        sync.Mutex
	ring      []string
	start     int // index of the oldest line
	count     int
	file      *os.File
	listeners map[int]chan string
	nextID    int
	closed    bool
}

// NewLogBuffer creates a buffer of ringSize lines backed by path. The file
// is created eagerly so the tail exists even for jobs that never log.
func NewLogBuffer(ringSize int, path string) (*LogBuffer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, err
	}
	return &LogBuffer{
		ring:      make([]string, ringSize),
		file:      f,
		listeners: make(map[int]chan string),
	}, nil
}

// Logf appends a formatted line, stamping it the way the daemon log does.
func (b *LogBuffer) Logf(format string, args ...any) {
	line := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	idx := (b.start + b.count) % len(b.ring)
	if b.count == len(b.ring) {
		b.start = (b.start + 1) % len(b.ring)
	} else {
		b.count++
	}
	b.ring[idx] = line

	if b.file != nil {
		_, _ = b.file.WriteString(line + "\n")
	}
	for _, ch := range b.listeners {
		select {
		case ch <- line:
		default:
			// A stalled follower misses lines rather than stalling the job.
		}
	}
}

// Lines returns the buffered lines, oldest first.
func (b *LogBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.ring[(b.start+i)%len(b.ring)])
	}
	return out
}

// Follow returns a channel replaying the buffered lines and then streaming
// new ones. The channel closes when the buffer does.
func (b *LogBuffer) Follow() <-chan string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(chan string, len(b.ring)+64)
	for i := 0; i < b.count; i++ {
		out <- b.ring[(b.start+i)%len(b.ring)]
	}
	if b.closed {
		close(out)
		return out
	}

	id := b.nextID
	b.nextID++
	b.listeners[id] = out
	return out
}

// Close flushes the tail file and closes all followers.
func (b *LogBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.listeners {
		close(ch)
		delete(b.listeners, id)
	}
	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
	}
}
