package logs

import (
	"sync"

	"gobuild/monitor/shared/message"
)

// Aggregator routes build:logs events into one Buffer per watched build.
// Chunks for builds nobody watches are dropped.
type Aggregator struct {
	mu      sync.Mutex
	buffers map[string]*watched
}

type watched struct {
	buf  *Buffer
	refs int
}

func NewAggregator() *Aggregator {
	return &Aggregator{buffers: make(map[string]*watched)}
}

// HandleLogs is the build:logs handler.
func (a *Aggregator) HandleLogs(ev message.BuildLogsEvent) error {
	if buf, ok := a.Buffer(ev.BuildID); ok {
		buf.Append(ev.Logs)
	}
	return nil
}

// Watch returns the buffer for buildID, creating it on first use. Every
// surface showing the build shares it. The buffer is discarded when the last
// release func is called; calling one twice has no further effect.
func (a *Aggregator) Watch(buildID string) (*Buffer, func()) {
	a.mu.Lock()
	w, ok := a.buffers[buildID]
	if !ok {
		w = &watched{buf: NewBuffer()}
		a.buffers[buildID] = w
	}
	w.refs++
	a.mu.Unlock()

	var once sync.Once
	return w.buf, func() {
		once.Do(func() { a.release(buildID, w) })
	}
}

func (a *Aggregator) release(buildID string, w *watched) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w.refs--
	if w.refs <= 0 && a.buffers[buildID] == w {
		delete(a.buffers, buildID)
	}
}

func (a *Aggregator) Buffer(buildID string) (*Buffer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.buffers[buildID]
	if !ok {
		return nil, false
	}
	return w.buf, true
}

// Len is the number of builds being watched.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}
