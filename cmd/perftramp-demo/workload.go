package main

import (
	"context"
	"fmt"

	"github.com/pboyd/perftramp/internal/interp"
)

type workload struct {
	entry *interp.Func
	funcs []*interp.Func
}

// newWorkload builds foo -> bar -> baz, plus extra leaf functions called
// from baz.
func newWorkload(extra int) *workload {
	w := &workload{}

	leaves := make([]*interp.Func, extra)
	for i := range leaves {
		leaves[i] = &interp.Func{
			Name: fmt.Sprintf("leaf%d", i),
			File: "demo.src",
			Body: func(_ context.Context, f *interp.Frame) (any, error) {
				return f.Args[0].(int) + 1, nil
			},
		}
	}

	baz := &interp.Func{Name: "baz", File: "demo.src", Body: func(ctx context.Context, f *interp.Frame) (any, error) {
		x := f.Args[0].(int)
		for _, leaf := range leaves {
			v, err := f.Call(ctx, leaf, x)
			if err != nil {
				return nil, err
			}
			x = v.(int)
		}
		return x * 2, nil
	}}
	bar := &interp.Func{Name: "Demo.bar", File: "demo.src", Body: func(ctx context.Context, f *interp.Frame) (any, error) {
		return f.Call(ctx, baz, f.Args[0].(int)+1)
	}}
	foo := &interp.Func{Name: "foo", File: "demo.src", Body: func(ctx context.Context, f *interp.Frame) (any, error) {
		return f.Call(ctx, bar, f.Args[0])
	}}

	w.entry = foo
	w.funcs = append([]*interp.Func{foo, bar, baz}, leaves...)
	return w
}

func (w *workload) run(ctx context.Context, in *interp.Interpreter, iterations int) error {
	for i := 0; i < iterations; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if _, err := in.Call(ctx, w.entry, i); err != nil {
			return err
		}
	}
	return nil
}
