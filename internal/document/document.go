// Package document reads and updates the keyword header of the text
// documents the measurement tools exchange (.cal, .ti1, .ti3, .ccmx).
// Data tables are carried through untouched.
package document

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DispcalArgsField holds the dispcal arguments a calibration was made with.
const DispcalArgsField = "ARGYLL_DISPCAL_ARGS"

// InstrumentField names the instrument a correction matrix was made for.
const InstrumentField = "INSTRUMENT"

var keywordLine = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(?:\s+(.*))?$`)

// ErrNotText is returned for binary documents such as ICC profiles.
var ErrNotText = errors.New("document is not a keyword text document")

// Document is an opened calibration or measurement document.
type Document interface {
	// QueryField returns the value of name, or "" and false when absent.
	QueryField(name string) (string, bool)
	// QueryFields returns values for names in order, "" for absent fields.
	QueryFields(names ...string) []string
	SetField(name, value string)
	Write(path string) error
}

// Reader opens documents.
type Reader interface {
	Open(path string) (Document, error)
}

// FileReader opens documents from the local filesystem.
type FileReader struct{}

// Open reads and indexes the document at path.
func (FileReader) Open(path string) (Document, error) {
	// #nosec G304 -- path names a caller-selected input document.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document %q: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse document %q: %w", path, err)
	}
	return doc, nil
}

// Keywords is a parsed keyword document.
type Keywords struct {
	lines  []string
	fields map[string]int
}

// Parse indexes the header keywords of data.
func Parse(data []byte) (*Keywords, error) {
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, ErrNotText
	}
	doc := &Keywords{fields: make(map[string]int)}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	inData := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		doc.lines = append(doc.lines, line)
		trimmed := strings.TrimSpace(line)
		switch trimmed {
		case "BEGIN_DATA", "BEGIN_DATA_FORMAT":
			inData = true
			continue
		case "END_DATA", "END_DATA_FORMAT":
			inData = false
			continue
		}
		if inData || len(doc.lines) == 1 || trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		match := keywordLine.FindStringSubmatch(trimmed)
		if match == nil || match[1] == "KEYWORD" {
			continue
		}
		if _, seen := doc.fields[match[1]]; !seen {
			doc.fields[match[1]] = len(doc.lines) - 1
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(doc.lines) == 0 {
		return nil, errors.New("document is empty")
	}
	return doc, nil
}

// QueryField returns the unquoted value of name.
func (d *Keywords) QueryField(name string) (string, bool) {
	idx, ok := d.fields[name]
	if !ok {
		return "", false
	}
	match := keywordLine.FindStringSubmatch(strings.TrimSpace(d.lines[idx]))
	if match == nil {
		return "", false
	}
	return unquote(match[2]), true
}

// QueryFields looks up several fields at once.
func (d *Keywords) QueryFields(names ...string) []string {
	values := make([]string, len(names))
	for i, name := range names {
		values[i], _ = d.QueryField(name)
	}
	return values
}

// SetField replaces name in place or adds it, with its KEYWORD declaration,
// right after the identifier line.
func (d *Keywords) SetField(name, value string) {
	line := name + " " + quote(value)
	if idx, ok := d.fields[name]; ok {
		d.lines[idx] = line
		return
	}

	insert := []string{line}
	if !d.declared(name) {
		insert = []string{"KEYWORD " + quote(name), line}
	}
	at := 1
	lines := make([]string, 0, len(d.lines)+len(insert))
	lines = append(lines, d.lines[:at]...)
	lines = append(lines, insert...)
	lines = append(lines, d.lines[at:]...)
	d.lines = lines

	for key, idx := range d.fields {
		if idx >= at {
			d.fields[key] = idx + len(insert)
		}
	}
	d.fields[name] = at + len(insert) - 1
}

// Write stores the document at path, replacing it atomically.
func (d *Keywords) Write(path string) error {
	var buf bytes.Buffer
	for _, line := range d.lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write document %q: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write document %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write document %q: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write document %q: %w", path, err)
	}
	return nil
}

func (d *Keywords) declared(name string) bool {
	want := "KEYWORD " + quote(name)
	for _, line := range d.lines {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}

func quote(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func unquote(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		return strings.ReplaceAll(value[1:len(value)-1], `""`, `"`)
	}
	return value
}
