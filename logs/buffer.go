// Package logs keeps the streamed output of builds.
//
// Chunks are stored exactly as they arrive, in arrival order. Repeated
// chunks are kept as-is. Filtering happens on read by substring match, so a
// line mentioning "ERROR" anywhere counts as an error line.
package logs

import (
	"strings"
	"sync"
)

type Level string

const (
	All     Level = "all"
	Error   Level = "error"
	Warning Level = "warning"
	Info    Level = "info"
)

func ParseLevel(s string) (Level, bool) {
	switch Level(strings.ToLower(s)) {
	case All, "":
		return All, true
	case Error:
		return Error, true
	case Warning, "warn":
		return Warning, true
	case Info:
		return Info, true
	}
	return All, false
}

var markers = map[Level][]string{
	Error:   {"ERROR", "error:"},
	Warning: {"WARN", "warning:"},
	Info:    {"INFO"},
}

// Matches reports whether line belongs to level.
func Matches(line string, level Level) bool {
	if level == All {
		return true
	}
	for _, m := range markers[level] {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// Buffer is the append-only log of one build plus the view's scroll
// position. Safe for concurrent use.
type Buffer struct {
	mu     sync.RWMutex
	chunks []string

	follow bool
	// offset is the first visible line while follow is off.
	offset int
}

func NewBuffer() *Buffer {
	return &Buffer{follow: true}
}

func (b *Buffer) Append(chunk string) {
	b.mu.Lock()
	b.chunks = append(b.chunks, chunk)
	b.mu.Unlock()
}

// Chunks returns the raw chunks in arrival order.
func (b *Buffer) Chunks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.chunks...)
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Lines splits the chunks into lines and keeps those matching level.
func (b *Buffer) Lines(level Level) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.linesLocked(level)
}

func (b *Buffer) linesLocked(level Level) []string {
	var out []string
	for _, chunk := range b.chunks {
		for _, line := range strings.Split(strings.TrimRight(chunk, "\n"), "\n") {
			if Matches(line, level) {
				out = append(out, line)
			}
		}
	}
	return out
}

func (b *Buffer) AutoScroll() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.follow
}

// SetAutoScroll toggles following the newest line. Turning it back on jumps
// to the bottom straight away.
func (b *Buffer) SetAutoScroll(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.follow = on
	if on {
		b.offset = 0
	}
}

// Scroll moves the view by delta lines and turns auto-scroll off.
func (b *Buffer) Scroll(delta int, level Level, height int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := len(b.linesLocked(level))
	if b.follow {
		b.offset = bottom(total, height)
		b.follow = false
	}
	b.offset = min(max(b.offset+delta, 0), bottom(total, height))
}

// Window returns at most height lines to display: the newest ones while
// auto-scroll is on, otherwise the lines at the pinned offset.
func (b *Buffer) Window(level Level, height int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lines := b.linesLocked(level)
	if height <= 0 || len(lines) == 0 {
		return nil
	}
	start := bottom(len(lines), height)
	if !b.follow {
		start = min(b.offset, start)
	}
	end := min(start+height, len(lines))
	return lines[start:end]
}

func bottom(total, height int) int {
	if height <= 0 || total <= height {
		return 0
	}
	return total - height
}
