package mm

import "arm64os/kernel/kfmt"

// PTEError reports a corrupted page table entry.
func PTEError(file string, line int, val uint64) {
	reportBadEntry(file, line, "pte", val)
}

// PMDError reports a corrupted page middle directory entry.
func PMDError(file string, line int, val uint64) {
	reportBadEntry(file, line, "pmd", val)
}

// PUDError reports a corrupted page upper directory entry.
func PUDError(file string, line int, val uint64) {
	reportBadEntry(file, line, "pud", val)
}

// PGDError reports a corrupted page global directory entry.
func PGDError(file string, line int, val uint64) {
	reportBadEntry(file, line, "pgd", val)
}

func reportBadEntry(file string, line int, level string, val uint64) {
	kfmt.Logf(kfmt.LevelCrit, "%s:%d: bad %s %016x.\n", file, line, level, val)
}
