package perftramp

// Backend publishes trampoline mappings.
//
// InitState is called once per activation, WriteState once for every new
// trampoline and FreeState at teardown or in a forked child. WriteState
// must not fail the caller: a backend reports its own problems.
//
// FreeState must accept nil and state inherited from a parent process.
type Backend interface {
	InitState() (any, error)
	WriteState(state any, addr uintptr, size int, code Code)
	FreeState(state any) error
}

// BackendFuncs builds a Backend from three functions. A nil function is a
// no-op.
type BackendFuncs struct {
	Init  func() (any, error)
	Write func(state any, addr uintptr, size int, code Code)
	Free  func(state any) error
}

func (b BackendFuncs) InitState() (any, error) {
	if b.Init == nil {
		return nil, nil
	}
	return b.Init()
}

func (b BackendFuncs) WriteState(state any, addr uintptr, size int, code Code) {
	if b.Write != nil {
		b.Write(state, addr, size, code)
	}
}

func (b BackendFuncs) FreeState(state any) error {
	if b.Free == nil {
		return nil
	}
	return b.Free(state)
}
