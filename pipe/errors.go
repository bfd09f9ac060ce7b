package pipe

import (
	"context"
	"errors"
	"fmt"

	"github.com/c35s/gfpipe/wire"
	"golang.org/x/sys/unix"
)

var (
	ErrConfig  = errors.New("pipe: invalid config")
	ErrVersion = errors.New("pipe: unsupported device version")
	ErrAlloc   = errors.New("pipe: device buffer allocation failed")
	ErrClosed  = errors.New("pipe: closed")

	// ErrRestart is returned when a context ends while an operation waits for
	// the pipe lock or for the host. No command was issued for the interrupted
	// step, and bytes transferred by earlier steps are still reported.
	ErrRestart = errors.New("pipe: interrupted")
)

// restartError wraps the context's cause so callers can match either
// ErrRestart or the cause itself.
func restartError(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrRestart, context.Cause(ctx))
}

// statusError converts a negative host status to an errno.
func statusError(status int32) error {
	switch status {
	case wire.StatusAgain:
		return unix.EAGAIN

	case wire.StatusNoMem:
		return unix.ENOMEM

	case wire.StatusIO:
		return unix.EIO

	default:
		return unix.EINVAL
	}
}
