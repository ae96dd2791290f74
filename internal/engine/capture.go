package engine

import (
	"bytes"
	"strings"
	"sync"
)

// lineWriter splits written bytes into lines and hands every non-blank
// line, prefixed, to emit. Flush emits a trailing partial line.
type lineWriter struct {
	mu     sync.Mutex
	prefix string
	buf    bytes.Buffer
	emit   func(string)
}

func newLineWriter(prefix string, emit func(string)) *lineWriter {
	return &lineWriter{prefix: prefix, emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.line(line[:i])
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.line(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) line(s string) {
	s = strings.TrimRight(s, "\r")
	if strings.TrimSpace(s) == "" {
		return
	}
	w.emit(w.prefix + s)
}
