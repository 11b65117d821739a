package gate

// ExceptionClass is the EC field of the exception syndrome register.
type ExceptionClass uint8

const (
	// ESRClassShift is the position of the EC field in ESR_EL1.
	ESRClassShift = 26

	// MaxExceptionClass is the largest value the 6-bit EC field can hold.
	MaxExceptionClass = ExceptionClass(0x3f)
)

// The exception classes reported by ESR_EL1.
const (
	ECUnknown    = ExceptionClass(0x00)
	ECWFI        = ExceptionClass(0x01)
	ECCP15_32    = ExceptionClass(0x03)
	ECCP15_64    = ExceptionClass(0x04)
	ECCP14MR     = ExceptionClass(0x05)
	ECCP14LS     = ExceptionClass(0x06)
	ECFPASIMD    = ExceptionClass(0x07)
	ECCP10ID     = ExceptionClass(0x08)
	ECCP14_64    = ExceptionClass(0x0c)
	ECIllISS     = ExceptionClass(0x0e)
	ECSVC32      = ExceptionClass(0x11)
	ECHVC32      = ExceptionClass(0x12)
	ECSMC32      = ExceptionClass(0x13)
	ECSVC64      = ExceptionClass(0x15)
	ECHVC64      = ExceptionClass(0x16)
	ECSMC64      = ExceptionClass(0x17)
	ECSys64      = ExceptionClass(0x18)
	ECImpDef     = ExceptionClass(0x1f)
	ECIABTLowEL  = ExceptionClass(0x20)
	ECIABTCurEL  = ExceptionClass(0x21)
	ECPCAlign    = ExceptionClass(0x22)
	ECDABTLowEL  = ExceptionClass(0x24)
	ECDABTCurEL  = ExceptionClass(0x25)
	ECSPAlign    = ExceptionClass(0x26)
	ECFPExc32    = ExceptionClass(0x28)
	ECFPExc64    = ExceptionClass(0x2c)
	ECSError     = ExceptionClass(0x2f)
	ECBreakptLow = ExceptionClass(0x30)
	ECBreakptCur = ExceptionClass(0x31)
	ECSoftStpLow = ExceptionClass(0x32)
	ECSoftStpCur = ExceptionClass(0x33)
	ECWatchptLow = ExceptionClass(0x34)
	ECWatchptCur = ExceptionClass(0x35)
	ECBKPT32     = ExceptionClass(0x38)
	ECVector32   = ExceptionClass(0x3a)
	ECBRK64      = ExceptionClass(0x3c)
)

// UnrecognizedClass is reported for EC values that the architecture leaves
// unallocated.
const UnrecognizedClass = "UNRECOGNIZED EC"

var classStrings = [MaxExceptionClass + 1]string{
	ECUnknown:    "Unknown/Uncategorized",
	ECWFI:        "WFI/WFE",
	ECCP15_32:    "CP15 MCR/MRC",
	ECCP15_64:    "CP15 MCRR/MRRC",
	ECCP14MR:     "CP14 MCR/MRC",
	ECCP14LS:     "CP14 LDC/STC",
	ECFPASIMD:    "ASIMD",
	ECCP10ID:     "CP10 MRC/VMRS",
	ECCP14_64:    "CP14 MCRR/MRRC",
	ECIllISS:     "PSTATE.IL",
	ECSVC32:      "SVC (AArch32)",
	ECHVC32:      "HVC (AArch32)",
	ECSMC32:      "SMC (AArch32)",
	ECSVC64:      "SVC (AArch64)",
	ECHVC64:      "HVC (AArch64)",
	ECSMC64:      "SMC (AArch64)",
	ECSys64:      "MSR/MRS (AArch64)",
	ECImpDef:     "EL3 IMP DEF",
	ECIABTLowEL:  "IABT (lower EL)",
	ECIABTCurEL:  "IABT (current EL)",
	ECPCAlign:    "PC Alignment",
	ECDABTLowEL:  "DABT (lower EL)",
	ECDABTCurEL:  "DABT (current EL)",
	ECSPAlign:    "SP Alignment",
	ECFPExc32:    "FP (AArch32)",
	ECFPExc64:    "FP (AArch64)",
	ECSError:     "SError",
	ECBreakptLow: "Breakpoint (lower EL)",
	ECBreakptCur: "Breakpoint (current EL)",
	ECSoftStpLow: "Software Step (lower EL)",
	ECSoftStpCur: "Software Step (current EL)",
	ECWatchptLow: "Watchpoint (lower EL)",
	ECWatchptCur: "Watchpoint (current EL)",
	ECBKPT32:     "BKPT (AArch32)",
	ECVector32:   "Vector catch (AArch32)",
	ECBRK64:      "BRK (AArch64)",
}

// ClassOf extracts the exception class from an ESR_EL1 value.
func ClassOf(esr uint32) ExceptionClass {
	return ExceptionClass(esr >> ESRClassShift)
}

// String returns the description of the exception class or
// UnrecognizedClass if the class is not allocated.
func (ec ExceptionClass) String() string {
	if ec > MaxExceptionClass || classStrings[ec] == "" {
		return UnrecognizedClass
	}
	return classStrings[ec]
}

// ClassString returns the description of the exception class encoded in
// an ESR_EL1 value.
func ClassString(esr uint32) string {
	return ClassOf(esr).String()
}

// VectorKind identifies the exception vector slot that the entry code was
// invoked from.
type VectorKind int

// The exception vector slots.
const (
	VectorSync VectorKind = iota
	VectorIRQ
	VectorFIQ
	VectorError
)

var vectorNames = [...]string{
	VectorSync:  "Synchronous Abort",
	VectorIRQ:   "IRQ",
	VectorFIQ:   "FIQ",
	VectorError: "Error",
}

// String returns the name of the vector slot.
func (v VectorKind) String() string {
	if v < 0 || int(v) >= len(vectorNames) {
		return "Unknown"
	}
	return vectorNames[v]
}
