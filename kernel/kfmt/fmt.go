package kfmt

import (
	"io"
	"unsafe"
)

const (
	// maxBufSize defines the buffer size for formatting numbers.
	maxBufSize = 32

	// maxLineSize defines the size of the buffer that collects the output
	// of a single Fprintf call before it is handed to the sink. Longer
	// output is flushed in maxLineSize chunks.
	maxLineSize = 256
)

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// earlyPrintBuffer is a ring buffer that stores Printf output before a
	// console sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	consoleLock.Acquire()
	defer consoleLock.Release()

	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently active output sink.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf provides a minimal Printf implementation that can be safely used on
// the fault path. This implementation does not allocate any memory and all
// of its scratch space lives on the caller's stack so that several CPUs can
// format concurrently.
//
// Similar to fmt.Printf, this version of printf supports the following subset
// of formatting verbs:
//
// Strings:
//		%s the uninterpreted bytes of the string or byte slice
//
// Integers:
//              %o base 8
//              %d base 10
//              %x base 16, with lower-case letters for a-f
//
// Booleans:
//              %t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the verb.
// If absent, the width is whatever is necessary to represent the value.
//
// String values with length less than the specified width will be left-padded with
// spaces. Integer values formatted as base-10 will also be left-padded with spaces.
// Finally, integer values formatted as base-16 will be left-padded with zeroes.
//
// Printf output is sent to the console at the default log level. See Logf
// for emitting output at a specific level.
func Printf(format string, args ...interface{}) {
	Logf(LevelDefault, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. The output of a single call is delivered with a
// single Write as long as it fits in maxLineSize bytes.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		out                          = lineBuffer{w: w}
		nextCh                       byte
		nextArgIndex                 int
		blockStart, blockEnd, padLen int
		fmtLen                       = len(format)
	)

	for blockEnd < fmtLen {
		nextCh = format[blockEnd]
		if nextCh != '%' {
			blockEnd++
			continue
		}

		if blockStart < blockEnd {
			out.writeString(format[blockStart:blockEnd])
		}

		// Scan til we hit the format character
		padLen = 0
		blockEnd++
	parseFmt:
		for ; blockEnd < fmtLen; blockEnd++ {
			nextCh = format[blockEnd]
			switch {
			case nextCh == '%':
				out.writeByte('%')
				break parseFmt
			case nextCh >= '0' && nextCh <= '9':
				padLen = (padLen * 10) + int(nextCh-'0')
				continue
			case nextCh == 'd' || nextCh == 'x' || nextCh == 'o' || nextCh == 's' || nextCh == 't':
				// Run out of args to print
				if nextArgIndex >= len(args) {
					out.write(errMissingArg)
					break parseFmt
				}

				switch nextCh {
				case 'o':
					fmtInt(&out, args[nextArgIndex], 8, padLen)
				case 'd':
					fmtInt(&out, args[nextArgIndex], 10, padLen)
				case 'x':
					fmtInt(&out, args[nextArgIndex], 16, padLen)
				case 's':
					fmtString(&out, args[nextArgIndex], padLen)
				case 't':
					fmtBool(&out, args[nextArgIndex])
				}

				nextArgIndex++
				break parseFmt
			}

			// reached end of formatting string without finding a verb
			out.write(errNoVerb)
		}
		blockStart, blockEnd = blockEnd+1, blockEnd+1
	}

	if blockStart < fmtLen {
		out.writeString(format[blockStart:])
	}

	// Check for unused args
	for ; nextArgIndex < len(args); nextArgIndex++ {
		out.write(errExtraArg)
	}

	out.flush()
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(out *lineBuffer, v interface{}) {
	switch bVal := v.(type) {
	case bool:
		switch bVal {
		case true:
			out.write(trueValue)
		case false:
			out.write(falseValue)
		}
	default:
		out.write(errWrongArgType)
		return
	}
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func fmtString(out *lineBuffer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(out, ' ', padLen-len(castedVal))
		out.writeString(castedVal)
	case []byte:
		fmtRepeat(out, ' ', padLen-len(castedVal))
		out.write(castedVal)
	default:
		out.write(errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(out *lineBuffer, ch byte, count int) {
	for i := 0; i < count; i++ {
		out.writeByte(ch)
	}
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. This function supports all built-in signed
// and unsigned integer types and base 8, 10 and 16 output.
func fmtInt(out *lineBuffer, v interface{}, base, padLen int) {
	var (
		numFmtBuf        [maxBufSize]byte
		sval             int64
		uval             uint64
		divider          uint64
		remainder        uint64
		padCh            byte
		left, right, end int
	)

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	switch base {
	case 8:
		divider = 8
		padCh = '0'
	case 10:
		divider = 10
		padCh = ' '
	case 16:
		divider = 16
		padCh = '0'
	}

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uint:
		uval = uint64(t)
	case uintptr:
		uval = uint64(t)
	case int8:
		sval = int64(t)
	case int16:
		sval = int64(t)
	case int32:
		sval = int64(t)
	case int64:
		sval = t
	case int:
		sval = int64(t)
	default:
		out.write(errWrongArgType)
		return
	}

	// Handle signs
	if sval < 0 {
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	for right < maxBufSize {
		remainder = uval % divider
		if remainder < 10 {
			numFmtBuf[right] = byte(remainder) + '0'
		} else {
			// map values from 10 to 15 -> a-f
			numFmtBuf[right] = byte(remainder-10) + 'a'
		}

		right++

		uval /= divider
		if uval == 0 {
			break
		}
	}

	// Apply padding if required
	for ; right-left < padLen; right++ {
		numFmtBuf[right] = padCh
	}

	// Apply negative sign to the rightmost blank character (if using enough padding);
	// otherwise append the sign as a new char
	if sval < 0 {
		for end = right - 1; numFmtBuf[end] == ' '; end-- {
		}

		if end == right-1 {
			right++
		}

		numFmtBuf[end+1] = '-'
	}

	// Reverse in place
	end = right
	for right = right - 1; left < right; left, right = left+1, right-1 {
		numFmtBuf[left], numFmtBuf[right] = numFmtBuf[right], numFmtBuf[left]
	}

	out.write(numFmtBuf[0:end])
}

// lineBuffer collects the output of a single Fprintf call.
type lineBuffer struct {
	w   io.Writer
	buf [maxLineSize]byte
	n   int
}

func (b *lineBuffer) write(p []byte) {
	for len(p) != 0 {
		if b.n == len(b.buf) {
			b.flush()
		}
		c := copy(b.buf[b.n:], p)
		b.n += c
		p = p[c:]
	}
}

func (b *lineBuffer) writeString(s string) {
	for i := 0; i < len(s); i++ {
		b.writeByte(s[i])
	}
}

func (b *lineBuffer) writeByte(ch byte) {
	if b.n == len(b.buf) {
		b.flush()
	}
	b.buf[b.n] = ch
	b.n++
}

func (b *lineBuffer) flush() {
	if b.n == 0 {
		return
	}
	doWrite(b.w, b.buf[:b.n])
	b.n = 0
}

// doWrite is a proxy that uses the runtime.noescape hack to hide p from the
// compiler's escape analysis. Without this hack, the compiler cannot properly
// detect that p does not escape (due to the call to the yet unknown
// io.Writer) and plays it safe by moving the caller's line buffer to the heap.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
