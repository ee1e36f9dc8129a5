// Package recovery turns panics of concurrent tasks into errors.
package recovery

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ErrPanic is wrapped by the errors of tasks that panicked.
var ErrPanic = errors.New("task panicked")

// Task wraps f so that a panic in f is returned as an error instead of
// crashing the process. The stack of the panic is logged to logger.
func Task(name string, logger log.Logger, f func() error) func() error {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return func() (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if e, ok := r.(error); ok {
				err = fmt.Errorf("%s: %w: %w", name, ErrPanic, e)
			} else {
				err = fmt.Errorf("%s: %w: %v", name, ErrPanic, r)
			}
			level.Error(logger).Log("msg", "recovered from panic", "task", name, "err", err, "stacktrace", string(debug.Stack()))
		}()
		return f()
	}
}
