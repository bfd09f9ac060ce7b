package wire

import "fmt"

// Cmd is a pipe command code.
type Cmd int32

const (
	CmdOpen         = Cmd(1)
	CmdClose        = Cmd(2)
	CmdPoll         = Cmd(3)
	CmdWrite        = Cmd(4)
	CmdWakeOnWrite  = Cmd(5)
	CmdRead         = Cmd(6)
	CmdWakeOnRead   = Cmd(7)
	CmdWakeOnDoneIO = Cmd(8)
	CmdDMAHostMap   = Cmd(9)
	CmdDMAHostUnmap = Cmd(10)
)

// command status, host -> guest

const (
	StatusInval = -1
	StatusAgain = -2
	StatusNoMem = -3
	StatusIO    = -4
)

// bits carried by a non-negative CmdPoll status

const (
	PollIn  = 1 << 0
	PollOut = 1 << 1
	PollHup = 1 << 2
)

// wake flags, carried in signalled pipe entries

const (
	WakeClosed          = 1 << 0 // host closed the pipe
	WakeRead            = 1 << 1 // pipe can be read from
	WakeWrite           = 1 << 2 // pipe can be written to
	WakeUnlockDMA       = 1 << 3 // unlock this pipe's DMA buffer
	WakeUnlockDMAShared = 1 << 4 // unlock the DMA buffer of the pipe shared to this pipe
)

func (c Cmd) String() string {
	switch c {
	case CmdOpen:
		return "open"

	case CmdClose:
		return "close"

	case CmdPoll:
		return "poll"

	case CmdWrite:
		return "write"

	case CmdWakeOnWrite:
		return "wake-on-write"

	case CmdRead:
		return "read"

	case CmdWakeOnRead:
		return "wake-on-read"

	case CmdWakeOnDoneIO:
		return "wake-on-done-io"

	case CmdDMAHostMap:
		return "dma-host-map"

	case CmdDMAHostUnmap:
		return "dma-host-unmap"

	default:
		return fmt.Sprintf("Cmd(%d)", int32(c))
	}
}
