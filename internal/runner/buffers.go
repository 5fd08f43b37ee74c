package runner

import (
	"bytes"
	"sync"
	"unicode/utf8"
)

// cappedBuffer keeps the first max bytes written and silently discards the
// rest. Writes always report full success so the copying goroutine in os/exec
// keeps draining the pipe.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	remaining := b.max - len(b.buf)
	if remaining <= 0 {
		b.truncated = b.truncated || n > 0
		return n, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

// Bytes returns a copy of the captured data.
func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// lineWriter splits a byte stream into lines and hands each complete line to
// fn. A line longer than maxLine is delivered in maxLine-sized pieces.
type lineWriter struct {
	pending []byte
	maxLine int
	fn      func(line string)
}

func newLineWriter(maxLine int, fn func(line string)) *lineWriter {
	return &lineWriter{maxLine: maxLine, fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		chunk := p
		if i >= 0 {
			chunk = p[:i]
		}
		w.pending = append(w.pending, chunk...)
		for len(w.pending) > w.maxLine {
			w.fn(string(w.pending[:w.maxLine]))
			w.pending = append(w.pending[:0], w.pending[w.maxLine:]...)
		}
		if i < 0 {
			break
		}
		p = p[i+1:]
		w.emit()
	}
	return n, nil
}

// Flush delivers a trailing line that had no newline.
func (w *lineWriter) Flush() {
	if len(w.pending) > 0 {
		w.emit()
	}
}

func (w *lineWriter) emit() {
	line := string(w.pending)
	w.pending = w.pending[:0]
	w.fn(line)
}

// tailBuffer keeps the text of non-progress stderr lines up to max bytes.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.buf.Len() >= t.max {
		return
	}
	if room := t.max - t.buf.Len(); len(line)+1 > room {
		cut := max(room-1, 0)
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		t.buf.WriteString(line[:cut])
		t.buf.WriteString("\n... (truncated)")
		return
	}
	t.buf.WriteString(line)
	t.buf.WriteByte('\n')
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
