package output

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// Sink decodes a raw subprocess stream and delivers the text to every consumer.
// Consumers see the same bytes in the same order; none of them owns the stream.
type Sink struct {
	mu        sync.Mutex
	consumers []io.Writer
	decoder   io.WriteCloser
	closed    bool
}

// NewSink builds a sink decoding from the named encoding ("" means UTF-8).
func NewSink(encodingName string, consumers ...io.Writer) (*Sink, error) {
	enc, err := LookupEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	s := &Sink{}
	for _, consumer := range consumers {
		if consumer != nil {
			s.consumers = append(s.consumers, consumer)
		}
	}
	s.decoder = transform.NewWriter(fanout{sink: s}, enc.NewDecoder())
	return s, nil
}

// LookupEncoding resolves an encoding label such as "utf-8", "cp1252" or "iso-8859-1".
func LookupEncoding(name string) (encoding.Encoding, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "utf-8"
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown output encoding %q: %w", name, err)
	}
	return enc, nil
}

// Add registers another consumer. Text written before Add is not replayed.
func (s *Sink) Add(consumer io.Writer) {
	if consumer == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers = append(s.consumers, consumer)
}

// Write decodes p and fans it out. A failing consumer does not starve the others.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("output sink closed")
	}
	if _, err := s.decoder.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close flushes any partially decoded input.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.decoder.Close()
}

type fanout struct {
	sink *Sink
}

// Write runs with sink.mu held by Sink.Write or Sink.Close.
func (f fanout) Write(p []byte) (int, error) {
	var errs []error
	for _, consumer := range f.sink.consumers {
		if _, err := consumer.Write(p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return len(p), fmt.Errorf("deliver output: %w", errors.Join(errs...))
	}
	return len(p), nil
}
