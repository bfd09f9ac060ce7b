package pipe

import (
	"context"
	"sync"

	"github.com/c35s/gfpipe/wire"
	"golang.org/x/sys/unix"
)

// waitQueue wakes every goroutine waiting on it at once. Waiters take the
// current channel, check their condition, then block on the channel; wakeAll
// closes it and starts a new generation.
type waitQueue struct {
	mu sync.Mutex
	c  chan struct{}
}

func (q *waitQueue) channel() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.c == nil {
		q.c = make(chan struct{})
	}

	return q.c
}

func (q *waitQueue) wakeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.c != nil {
		close(q.c)
		q.c = nil
	}
}

// waitForHostSignal asks the host to signal when the pipe becomes readable (or
// writable, if write is set) and blocks until it does. It returns unix.EIO if
// the host closes the pipe meanwhile.
func (p *Pipe) waitForHostSignal(ctx context.Context, write bool) error {
	bit, cmd := uint32(flagWakeOnRead), wire.CmdWakeOnRead
	if write {
		bit, cmd = flagWakeOnWrite, wire.CmdWakeOnWrite
	}

	p.flags.Or(bit)

	// the host's answer doesn't matter; a failed request shows up as a
	// failed retry
	if _, err := p.command(ctx, cmd, nil); err != nil {
		return err
	}

	for {
		c := p.wq.channel()

		f := p.flags.Load()
		if f&flagClosedOnHost != 0 {
			return unix.EIO
		}

		if f&bit == 0 {
			return nil
		}

		if p.closed.Load() {
			return ErrClosed
		}

		select {
		case <-c:
		case <-ctx.Done():
			return restartError(ctx)
		}
	}
}
