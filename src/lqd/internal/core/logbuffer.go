package core

import (
	"strings"
	"sync"
)

const _defaultBufferLines = 200

// LogBuffer retains the most recent log lines in memory so the daemon can
// serve them over IPC without touching log files. It implements io.Writer and
// is safe for concurrent use.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = _defaultBufferLines
	}
	return &LogBuffer{lines: make([]string, capacity)}
}

// Write appends each newline-terminated line in p to the ring.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, line := range strings.Split(strings.TrimSuffix(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		b.lines[b.next] = line
		b.next = (b.next + 1) % len(b.lines)
		if b.next == 0 {
			b.full = true
		}
	}
	return len(p), nil
}

// Lines returns the buffered lines, oldest first.
func (b *LogBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]string, b.next)
		copy(out, b.lines[:b.next])
		return out
	}

	out := make([]string, 0, len(b.lines))
	out = append(out, b.lines[b.next:]...)
	out = append(out, b.lines[:b.next]...)
	return out
}
