package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and starts every
// line with Prefix. A complete line reaches Sink together with its prefix in
// a single Write, so prefixed lines mirrored to a shared sink stay intact.
// Lines longer than maxLineSize are delivered in chunks.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is set while the last byte written was not a line feed.
	midLine bool
}

// Write writes p to the underlying sink, injecting the prefix at the start
// of each line. The injected prefix is not included in the number of written
// bytes returned by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		var (
			line   [maxLineSize]byte
			n, end int
		)

		if !w.midLine {
			// Always leave room for at least one byte of p.
			n = copy(line[:len(line)-1], w.Prefix)
		}

		for end < len(p) && n < len(line) {
			line[n] = p[end]
			n++
			end++
			if p[end-1] == '\n' {
				break
			}
		}

		if _, err := w.Sink.Write(line[:n]); err != nil {
			return written, err
		}

		written += end
		w.midLine = p[end-1] != '\n'
		p = p[end:]
	}

	return written, nil
}
