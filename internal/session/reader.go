package session

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/colorkit/calrun/internal/output"
	"github.com/colorkit/calrun/internal/progress"
	"github.com/colorkit/calrun/internal/run"
)

const (
	// promptMarker appears in every keyboard prompt the tools print.
	promptMarker = " or Q to "
	retryMarker  = "key to retry"

	calibrationCompleteMarker = "Calibration complete"
	placementMarker           = "Place instrument on test window"
	abortMarker               = "Sample read stopped at user request!"
	userAbortedMarker         = "User Aborted"
	testWindowAbortMarker     = "test_crt returned error code 1"

	maxPromptContext  = 8 << 10
	keepPromptContext = 4 << 10

	recentLines = 3
)

var misreadMarkers = []string{
	"Sample read failed due to misread",
	"Sample read failed due to communication problem",
}

type readerEventKind int

const (
	readerPrompt readerEventKind = iota + 1
	readerProgress
)

type readerEvent struct {
	kind     readerEventKind
	prompt   string
	progress run.ProgressEvent
}

// promptScanner cuts the raw stream into prompts. A prompt is everything
// since the previous prompt up to the first colon after the prompt marker.
type promptScanner struct {
	buf  []byte
	emit func(string)
}

func (p *promptScanner) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	marker := []byte(promptMarker)
	for {
		i := bytes.Index(p.buf, marker)
		if i < 0 {
			break
		}
		j := bytes.IndexByte(p.buf[i+len(marker):], ':')
		if j < 0 {
			break
		}
		end := i + len(marker) + j + 1
		prompt := string(p.buf[:end])
		p.buf = append([]byte(nil), p.buf[end:]...)
		p.emit(prompt)
	}
	if len(p.buf) > maxPromptContext {
		p.buf = append([]byte(nil), p.buf[len(p.buf)-keepPromptContext:]...)
	}
	return len(b), nil
}

type writerFunc func(p []byte)

func (f writerFunc) Write(p []byte) (int, error) {
	f(p)
	return len(p), nil
}

// reader owns the terminal output of one session. Every consumer runs on the
// reader goroutine in registration order, so the progress tracker always sees
// caches that already contain the chunk it is looking at.
type reader struct {
	tool   string
	logger *log.Logger
	line   func(string)

	sink   *output.Sink
	recent *output.LineCache
	last   *output.LineCache
	tail   *output.Tail
	lines  *output.LineFunc

	events chan<- readerEvent
	stop   <-chan struct{}
	prev   run.ProgressEvent

	mu      sync.Mutex
	aborted bool
	fatal   string
}

func newReader(tool, encoding string, transcript io.Writer, logger *log.Logger, onLine func(string), events chan<- readerEvent, stop <-chan struct{}) (*reader, error) {
	r := &reader{
		tool:   tool,
		logger: logger,
		line:   onLine,
		recent: output.NewLineCache(recentLines, output.RecentFilter()),
		last:   output.NewLineCache(1, output.LastMessageFilter()),
		tail:   output.NewTail(output.DefaultTailLines),
		events: events,
		stop:   stop,
	}
	r.lines = output.Lines(r.observeLine)
	scanner := &promptScanner{emit: func(prompt string) {
		r.send(readerEvent{kind: readerPrompt, prompt: prompt})
	}}
	sink, err := output.NewSink(encoding, transcript, r.recent, r.last, r.tail, r.lines, scanner, writerFunc(r.trackProgress))
	if err != nil {
		return nil, err
	}
	r.sink = sink
	return r, nil
}

func (r *reader) run(conn io.Reader, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := r.sink.Write(buf[:n]); werr != nil {
				r.logger.Debug("output consumer failed", "tool", r.tool, "error", werr)
			}
		}
		if err != nil {
			// A pty master reports EIO once the last slave descriptor closes.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				r.logger.Debug("terminal read failed", "tool", r.tool, "error", err)
			}
			break
		}
	}
	if err := r.sink.Close(); err != nil {
		r.logger.Debug("flush output", "tool", r.tool, "error", err)
	}
	r.lines.Flush()
}

func (r *reader) send(ev readerEvent) {
	select {
	case r.events <- ev:
	case <-r.stop:
	}
}

func (r *reader) trackProgress([]byte) {
	ev := progress.Parse(r.recent.Read(), r.last.Settled())
	if !progress.Changed(r.prev, ev) {
		return
	}
	r.prev = ev
	r.send(readerEvent{kind: readerProgress, progress: ev})
}

func (r *reader) observeLine(line string) {
	text := strings.TrimSpace(line)
	if text == "" {
		return
	}
	r.logger.Debug("tool output", "tool", r.tool, "line", text)
	if r.line != nil {
		r.line(text)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case strings.Contains(text, abortMarker), strings.Contains(text, userAbortedMarker),
		strings.Contains(text, testWindowAbortMarker):
		r.aborted = true
	case strings.HasPrefix(text, r.tool+": Error"):
		if r.fatal == "" {
			r.fatal = text
		}
	}
}

// verdict reports what the output said about how the tool ended.
func (r *reader) verdict() (aborted bool, fatal string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted, r.fatal
}
