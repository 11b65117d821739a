package kfmt

import "io"

// ringBufferSize is the capacity of the buffer that holds console output
// while no sink is attached. It is large enough for a complete oops report
// including a register dump and a short call trace, so a fault taken before
// the console comes up is replayed in full once a sink is set. It must be a
// power of 2.
const ringBufferSize = 8192

// ringBuffer keeps the newest ringBufferSize bytes written to it. Reads
// consume the oldest unread bytes first.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// head is the offset where the next byte is written.
	head int

	// size is the number of unread bytes that end at head.
	size int
}

// Write appends p to the buffer, dropping the oldest unread bytes if p does
// not fit. It always reports len(p) bytes as written.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	written := len(p)
	if len(p) > ringBufferSize {
		p = p[len(p)-ringBufferSize:]
	}

	for len(p) != 0 {
		n := copy(rb.buffer[rb.head:], p)
		rb.head = (rb.head + n) & (ringBufferSize - 1)
		p = p[n:]

		if rb.size += n; rb.size > ringBufferSize {
			rb.size = ringBufferSize
		}
	}

	return written, nil
}

// Read copies up to len(p) of the oldest unread bytes into p. It returns
// io.EOF once the buffer is drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.size == 0 {
		return 0, io.EOF
	}

	tail := (rb.head - rb.size) & (ringBufferSize - 1)
	end := tail + rb.size
	if end > ringBufferSize {
		end = ringBufferSize
	}

	n := copy(p, rb.buffer[tail:end])
	rb.size -= n
	return n, nil
}

// Len returns the number of unread bytes in the buffer.
func (rb *ringBuffer) Len() int {
	return rb.size
}
