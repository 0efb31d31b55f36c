package main

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/pboyd/perftramp"
	"github.com/pboyd/perftramp/internal/interp"
	"github.com/pboyd/perftramp/jitdump"
	"github.com/pboyd/perftramp/perfmap"
)

// verify reads back what the backend wrote and checks each function's
// trampoline is named after it.
func verify(logger log.Logger, tr *perftramp.Trampolines, flags flags, funcs []*interp.Func) error {
	var lookup func(addr uint64) (string, error)

	switch flags.Backend {
	case "perfmap":
		m, err := perfmap.ReadMap(logger, perfmap.Path(flags.Dir, os.Getpid()))
		if err != nil {
			return fmt.Errorf("failed to read perf map: %w", err)
		}
		lookup = m.Lookup
	case "jitdump":
		f, err := os.Open(jitdump.Path(flags.Dir, os.Getpid()))
		if err != nil {
			return err
		}
		defer f.Close()

		dump, err := jitdump.Load(logger, f)
		if err != nil {
			return err
		}
		names := make(map[uint64]string, len(dump.CodeLoads))
		for _, load := range dump.CodeLoads {
			names[load.CodeAddr] = load.Name
		}
		lookup = func(addr uint64) (string, error) {
			name, ok := names[addr]
			if !ok {
				return "", fmt.Errorf("no code load for %#x", addr)
			}
			return name, nil
		}
	default:
		level.Info(logger).Log("msg", "nothing to verify", "backend", flags.Backend)
		return nil
	}

	for _, fn := range funcs {
		addr, ok := tr.Trampoline(fn)
		if !ok {
			return fmt.Errorf("%s has no trampoline", fn.Name)
		}

		want := "py::" + fn.Name + ":" + fn.File
		got, err := lookup(uint64(addr))
		if err != nil {
			return fmt.Errorf("%s at %#x: %w", fn.Name, addr, err)
		}
		if got != want {
			return fmt.Errorf("%s at %#x is named %q, want %q", fn.Name, addr, got, want)
		}
	}

	level.Info(logger).Log("msg", "verified trampolines", "count", len(funcs))
	return nil
}
