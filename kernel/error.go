package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure so that code running on
// the fault path can report them without allocating.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target refers to the same kernel error. Kernel errors
// are compared by identity as they are always declared as package globals.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t == e
}
