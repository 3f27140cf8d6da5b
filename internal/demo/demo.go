// Package demo provides the surface served by the portrpc command.
package demo

import (
	"context"
	"fmt"
	"time"

	"github.com/guseggert/portrpc/connection"
	"github.com/guseggert/portrpc/future"
)

// ErrCodeFailed is the code carried by errors returned from fail.
const ErrCodeFailed = "EFAILED"

// New returns an API with echo, add, fail and delay methods.
func New() *connection.API {
	return connection.NewAPI().
		Register("echo", echo).
		Register("add", add).
		Register("fail", fail).
		Register("delay", delay)
}

func echo(ctx context.Context, args ...any) (any, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	return args, nil
}

func add(ctx context.Context, args ...any) (any, error) {
	var sum float64
	for i, arg := range args {
		n, err := toFloat(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		sum += n
	}
	return sum, nil
}

func fail(ctx context.Context, args ...any) (any, error) {
	msg := "failed on request"
	if len(args) > 0 {
		msg = fmt.Sprint(args[0])
	}
	return nil, connection.NewError(ErrCodeFailed, msg)
}

// delay resolves with its second argument after the given number of milliseconds.
// The reply is deferred through a future.
func delay(ctx context.Context, args ...any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("delay needs a duration in milliseconds")
	}
	ms, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	var value any
	if len(args) > 1 {
		value = args[1]
	}
	f := future.New()
	time.AfterFunc(time.Duration(ms*float64(time.Millisecond)), func() { f.Resolve(value) })
	return f, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
