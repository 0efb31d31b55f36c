package perftramp

import (
	"errors"
	"fmt"
)

var (
	// ErrFailed is returned by Activate after an earlier allocation failure.
	// Teardown (or AfterForkChild in a fresh child) clears it.
	ErrFailed = errors.New("perf trampoline failed")

	// ErrNoBackend is returned by Activate when SetCallbacks was never called.
	ErrNoBackend = errors.New("no trampoline backend set")

	// ErrUnsupported is returned when there's no trampoline template for the
	// current architecture.
	ErrUnsupported = errors.New("perf trampolines are not supported on this platform")

	// ErrContractViolation is wrapped by every ContractError.
	ErrContractViolation = errors.New("perf trampoline contract violation")

	// ErrCallbacksInUse means SetCallbacks was called while backend state
	// still exists.
	ErrCallbacksInUse = errors.New("trampoline state already initialized")

	// ErrHookConflict means another evaluator hook is installed.
	ErrHookConflict = errors.New("incompatible evaluator hook already installed")
)

// ContractError reports a bug in the host integration rather than a runtime
// failure.
type ContractError struct {
	Op  string
	Err error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ContractError) Unwrap() []error {
	return []error{ErrContractViolation, e.Err}
}
