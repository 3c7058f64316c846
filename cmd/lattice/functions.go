package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/registry"
)

// registerBuiltins wires a handful of example functions into reg, so
// `lattice run` has something to invoke out of the box. A real
// deployment registers its own functions from its own packages.
func registerBuiltins(reg *registry.Registry) {
	reg.Register("sqr", "1.0.0", func(_ context.Context, args codec.Value) (codec.Value, error) {
		n, ok := args.AsInt()
		if !ok {
			return codec.Value{}, fmt.Errorf("sqr expects an integer argument")
		}
		return codec.Int(n * n), nil
	}, registry.Options{})

	reg.Register("addone", "1.0.0", func(_ context.Context, args codec.Value) (codec.Value, error) {
		n, ok := args.AsInt()
		if !ok {
			return codec.Value{}, fmt.Errorf("addone expects an integer argument")
		}
		return codec.Int(n + 1), nil
	}, registry.Options{})

	reg.Register("sumsqr", "1.0.0", func(_ context.Context, args codec.Value) (codec.Value, error) {
		var total int64
		for _, v := range args.Seq {
			n, ok := v.AsInt()
			if !ok {
				return codec.Value{}, fmt.Errorf("sumsqr expects a sequence of integers")
			}
			total += n * n
		}
		return codec.Int(total), nil
	}, registry.Options{Container: "lattice/sumsqr:latest"})

	reg.Register("addem", "1.0.0", func(_ context.Context, args codec.Value) (codec.Value, error) {
		var total int64
		for _, v := range args.Seq {
			n, ok := v.AsInt()
			if !ok {
				return codec.Value{}, fmt.Errorf("addem expects a sequence of integers")
			}
			total += n
		}
		return codec.Int(total), nil
	}, registry.Options{})

	reg.Register("sleep", "1.0.0", func(ctx context.Context, args codec.Value) (codec.Value, error) {
		ms, ok := args.AsInt()
		if !ok {
			return codec.Value{}, fmt.Errorf("sleep expects a millisecond count")
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return codec.Int(ms), nil
		case <-ctx.Done():
			return codec.Value{}, ctx.Err()
		}
	}, registry.Options{})
}
