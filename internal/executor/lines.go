package executor

import (
	"bytes"
	"sync"
)

const maxCapture = 1 << 20

// lineSink splits stdout and stderr writes into lines and hands them to one callback
// under a shared lock, so lines from both streams arrive in write order.
type lineSink struct {
	mu     sync.Mutex
	onLine func(Line)
}

func newLineSink(onLine func(Line)) *lineSink {
	return &lineSink{onLine: onLine}
}

func (s *lineSink) writer(stream string) *lineWriter {
	return &lineWriter{sink: s, stream: stream}
}

type lineWriter struct {
	sink    *lineSink
	stream  string
	pending []byte
	capture bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()

	if w.capture.Len() < maxCapture {
		w.capture.Write(p)
	}

	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(w.pending[:idx], "\r")))
		w.pending = w.pending[idx+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()

	if len(w.pending) > 0 {
		w.emit(string(w.pending))
		w.pending = nil
	}
}

func (w *lineWriter) captured() string {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	return w.capture.String()
}

func (w *lineWriter) emit(text string) {
	if w.sink.onLine != nil {
		w.sink.onLine(Line{Stream: w.stream, Text: text})
	}
}
