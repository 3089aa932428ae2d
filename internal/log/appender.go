package log

import "io"

// MultiWriter fans every log line out to all attached appenders. Stdout is
// always first, a rotating file appender joins when the config enables it.
type MultiWriter struct {
	sinks []io.Writer
}

// NewMultiWriter returns an empty fan-out writer.
func NewMultiWriter() *MultiWriter {
	return &MultiWriter{}
}

// Add attaches an appender and returns the writer for chaining.
func (m *MultiWriter) Add(w io.Writer) *MultiWriter {
	m.sinks = append(m.sinks, w)
	return m
}

// Write copies p to every appender. A failing appender never blocks the
// others; the last error is reported but the write counts as complete, log
// output must not break the caller.
func (m *MultiWriter) Write(p []byte) (int, error) {
	var last error
	for _, w := range m.sinks {
		if _, err := w.Write(p); err != nil {
			last = err
		}
	}
	return len(p), last
}
