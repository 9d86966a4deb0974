package output

import (
	"strings"
	"sync"
)

// LineCache keeps the last maxLines non-empty lines that survive its filter.
// A carriage return not followed by a newline discards the line in progress,
// so spinner redraws never accumulate while terminal CRLF endings still
// commit.
//
// Read includes the line in progress once it passes the filter. Settled
// only reports lines whose terminator has arrived.
type LineCache struct {
	mu       sync.Mutex
	maxLines int
	filter   Filter
	lines    []string
	current  strings.Builder
	cr       bool
	settled  string
}

// NewLineCache builds a cache holding at most maxLines lines (minimum 1).
func NewLineCache(maxLines int, filter Filter) *LineCache {
	if maxLines < 1 {
		maxLines = 1
	}
	return &LineCache{maxLines: maxLines, filter: filter}
}

// Write implements io.Writer over decoded text.
func (c *LineCache) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range string(p) {
		if c.cr {
			c.cr = false
			if r != '\n' {
				c.current.Reset()
			}
		}
		switch r {
		case '\r':
			c.settleLocked()
			c.cr = true
		case '\n':
			c.settleLocked()
			c.commitLocked()
		default:
			c.current.WriteRune(r)
		}
	}
	return len(p), nil
}

// Read joins the cached lines, skipping any that contain one of the extra triggers.
func (c *LineCache) Read(triggers ...string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := make([]string, 0, len(c.lines)+1)
	candidates = append(candidates, c.lines...)
	if line, ok := c.filter.Apply(c.current.String()); ok {
		candidates = append(candidates, line)
	}

	kept := make([]string, 0, len(candidates))
	for _, line := range candidates {
		if ContainsAny(line, triggers) {
			continue
		}
		kept = append(kept, line)
	}
	if len(kept) > c.maxLines {
		kept = kept[len(kept)-c.maxLines:]
	}
	return strings.Join(kept, "\n")
}

// Last returns the most recent kept line.
func (c *LineCache) Last() string {
	text := c.Read()
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		return text[i+1:]
	}
	return text
}

// Settled returns the latest kept line that was ended by a carriage return
// or a newline. A line still being written never shows up here, so a chunk
// boundary inside "Patch 12 of 30" cannot be read as "Patch 12 of 3".
func (c *LineCache) Settled() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled
}

// Clear forgets everything.
func (c *LineCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = nil
	c.current.Reset()
	c.cr = false
	c.settled = ""
}

func (c *LineCache) settleLocked() {
	if line, ok := c.filter.Apply(c.current.String()); ok {
		c.settled = line
	}
}

func (c *LineCache) commitLocked() {
	line, ok := c.filter.Apply(c.current.String())
	c.current.Reset()
	if !ok {
		return
	}
	c.lines = append(c.lines, line)
	if len(c.lines) > c.maxLines {
		c.lines = c.lines[len(c.lines)-c.maxLines:]
	}
}
