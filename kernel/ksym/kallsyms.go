package ksym

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseKallsyms builds a Table from text in /proc/kallsyms format:
//
//	ffffffc000081000 T _text
//	ffffffbffc000000 t frob_insn	[frobnicator]
//
// Only text symbols (types t, T, w and W) are kept. Symbol sizes are derived
// from the distance to the next symbol.
func ParseKallsyms(r io.Reader) (*Table, error) {
	var (
		t       = NewTable()
		scanner = bufio.NewScanner(r)
		lineNo  int
	)

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("kallsyms line %d: expected at least 3 fields; got %d", lineNo, len(fields))
		}

		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("kallsyms line %d: bad address: %w", lineNo, err)
		}

		switch fields[1] {
		case "t", "T", "w", "W":
		default:
			continue
		}

		sym := Symbol{Addr: uintptr(addr), Name: fields[2]}
		if len(fields) > 3 {
			sym.Module = strings.Trim(fields[3], "[]")
		}
		t.Add(sym)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("kallsyms: %w", err)
	}

	t.fillSizes()
	return t, nil
}
