package output

import (
	"strings"
	"sync"
)

// LineFunc adapts a per-line callback into a Sink consumer. Lines are passed
// without their terminator; a carriage return restarts the line in progress
// unless it is part of a CRLF ending.
// Flush delivers a trailing unterminated line.
type LineFunc struct {
	mu      sync.Mutex
	fn      func(string)
	current strings.Builder
	cr      bool
}

// Lines wraps fn as a line-splitting writer.
func Lines(fn func(string)) *LineFunc {
	return &LineFunc{fn: fn}
}

func (l *LineFunc) Write(p []byte) (int, error) {
	l.mu.Lock()
	var complete []string
	for _, r := range string(p) {
		if l.cr {
			l.cr = false
			if r != '\n' {
				l.current.Reset()
			}
		}
		switch r {
		case '\r':
			l.cr = true
		case '\n':
			complete = append(complete, l.current.String())
			l.current.Reset()
		default:
			l.current.WriteRune(r)
		}
	}
	l.mu.Unlock()

	if l.fn != nil {
		for _, line := range complete {
			l.fn(line)
		}
	}
	return len(p), nil
}

// Flush emits the unterminated line, if any.
func (l *LineFunc) Flush() {
	l.mu.Lock()
	line := l.current.String()
	l.current.Reset()
	l.cr = false
	l.mu.Unlock()
	if line != "" && l.fn != nil {
		l.fn(line)
	}
}

// Tail keeps the last max non-empty lines for diagnostics.
type Tail struct {
	mu    sync.Mutex
	max   int
	lines []string
	w     *LineFunc
}

// DefaultTailLines is the number of lines attached to fatal errors.
const DefaultTailLines = 20

// NewTail builds a tail of at most max lines.
func NewTail(max int) *Tail {
	if max <= 0 {
		max = DefaultTailLines
	}
	t := &Tail{max: max}
	t.w = Lines(t.add)
	return t
}

func (t *Tail) Write(p []byte) (int, error) {
	return t.w.Write(p)
}

// Lines returns a copy of the retained lines, including an unterminated last line.
func (t *Tail) Lines() []string {
	t.w.Flush()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

func (t *Tail) add(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

// Capture collects complete lines up to a byte budget and records truncation.
type Capture struct {
	mu        sync.Mutex
	max       int
	size      int
	lines     []string
	truncated bool
	w         *LineFunc
}

// DefaultCaptureBytes bounds captured stdout/stderr of one-shot runs.
const DefaultCaptureBytes = 1 << 20

// NewCapture builds a capture bounded to max bytes.
func NewCapture(max int) *Capture {
	if max <= 0 {
		max = DefaultCaptureBytes
	}
	c := &Capture{max: max}
	c.w = Lines(c.add)
	return c
}

func (c *Capture) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

// Lines returns captured lines. A final "...[output truncated]" line marks an overflow.
func (c *Capture) Lines() []string {
	c.w.Flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines), len(c.lines)+1)
	copy(out, c.lines)
	if c.truncated {
		out = append(out, "...[output truncated]")
	}
	return out
}

func (c *Capture) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.size+len(line) > c.max {
		c.truncated = true
		return
	}
	c.size += len(line)
	c.lines = append(c.lines, line)
}
