package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command is a decoded per-pipe command record. Params is nil for commands
// that carry no parameters, *RWParams for CmdRead and CmdWrite, and
// *DMAParams for CmdDMAHostMap and CmdDMAHostUnmap.
type Command struct {
	Cmd    Cmd
	ID     int32
	Status int32
	Params Params
}

// Params is the command-specific part of a command record.
type Params interface {
	params()
}

// RWParams are the parameters of CmdRead and CmdWrite.
type RWParams struct {
	Buffers      []Buffer // guest -> host
	ConsumedSize int32    // host -> guest
}

// Buffer describes one physically contiguous range of a transfer.
type Buffer struct {
	Addr uint64
	Size uint32
}

// DMAParams are the parameters of CmdDMAHostMap and CmdDMAHostUnmap.
type DMAParams struct {
	Addr uint64
	Size uint64
}

// CommandView is a command record in a page shared with the host. It must be
// at least SizeofCommand bytes long.
type CommandView []byte

// command record layout
//
//	s32 cmd
//	s32 id
//	s32 status
//	s32 reserved
//	union {
//		struct {
//			u32 buffers_count
//			s32 consumed_size
//			u64 ptrs[MaxBuffersPerCommand]
//			u32 sizes[MaxBuffersPerCommand]
//		} rw_params
//		struct {
//			u64 dma_paddr
//			u64 sz
//		} dma_maphost_params
//	}

const (
	offCmd          = 0
	offID           = 4
	offStatus       = 8
	offBuffersCount = 16
	offConsumedSize = 20
	offPtrs         = 24
	offSizes        = offPtrs + 8*MaxBuffersPerCommand
	offDMAAddr      = 16
	offDMASize      = 24

	// SizeofCommand is the binary size of a command record.
	SizeofCommand = offSizes + 4*MaxBuffersPerCommand
)

var (
	ErrUnknownCmd  = errors.New("wire: unknown command")
	ErrBadParams   = errors.New("wire: params don't match command")
	ErrTooMany     = errors.New("wire: too many buffers")
	ErrShortBuffer = errors.New("wire: short buffer")
)

// ne is the byte order of the shared pages: guest and host run on the same
// machine, so fields are in native order.
var ne = binary.NativeEndian

func (*RWParams) params()  {}
func (*DMAParams) params() {}

// Put encodes c into the view. Only the descriptors in use are written.
func (v CommandView) Put(c *Command) error {
	if len(v) < SizeofCommand {
		return ErrShortBuffer
	}

	switch c.Cmd {
	case CmdRead, CmdWrite:
		p, ok := c.Params.(*RWParams)
		if !ok {
			return fmt.Errorf("%w: %v: %T", ErrBadParams, c.Cmd, c.Params)
		}

		if len(p.Buffers) > MaxBuffersPerCommand {
			return fmt.Errorf("%w: %d > %d", ErrTooMany, len(p.Buffers), MaxBuffersPerCommand)
		}

		ne.PutUint32(v[offBuffersCount:], uint32(len(p.Buffers)))
		ne.PutUint32(v[offConsumedSize:], uint32(p.ConsumedSize))
		for i, b := range p.Buffers {
			v.putBuffer(i, b)
		}

	case CmdDMAHostMap, CmdDMAHostUnmap:
		p, ok := c.Params.(*DMAParams)
		if !ok {
			return fmt.Errorf("%w: %v: %T", ErrBadParams, c.Cmd, c.Params)
		}

		ne.PutUint64(v[offDMAAddr:], p.Addr)
		ne.PutUint64(v[offDMASize:], p.Size)

	case CmdOpen, CmdClose, CmdPoll, CmdWakeOnWrite, CmdWakeOnRead, CmdWakeOnDoneIO:
		if c.Params != nil {
			return fmt.Errorf("%w: %v: %T", ErrBadParams, c.Cmd, c.Params)
		}

	default:
		return fmt.Errorf("%w: %v", ErrUnknownCmd, c.Cmd)
	}

	v.SetCmd(c.Cmd)
	v.SetID(c.ID)
	v.SetStatus(c.Status)

	return nil
}

// Get decodes the command record in the view.
func (v CommandView) Get() (*Command, error) {
	if len(v) < SizeofCommand {
		return nil, ErrShortBuffer
	}

	c := Command{
		Cmd:    v.Cmd(),
		ID:     v.ID(),
		Status: v.Status(),
	}

	switch c.Cmd {
	case CmdRead, CmdWrite:
		n := ne.Uint32(v[offBuffersCount:])
		if n > MaxBuffersPerCommand {
			return nil, fmt.Errorf("%w: %d > %d", ErrTooMany, n, MaxBuffersPerCommand)
		}

		p := RWParams{
			Buffers:      make([]Buffer, n),
			ConsumedSize: v.ConsumedSize(),
		}

		for i := range p.Buffers {
			p.Buffers[i] = v.buffer(i)
		}

		c.Params = &p

	case CmdDMAHostMap, CmdDMAHostUnmap:
		c.Params = &DMAParams{
			Addr: ne.Uint64(v[offDMAAddr:]),
			Size: ne.Uint64(v[offDMASize:]),
		}

	case CmdOpen, CmdClose, CmdPoll, CmdWakeOnWrite, CmdWakeOnRead, CmdWakeOnDoneIO:

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCmd, c.Cmd)
	}

	return &c, nil
}

func (v CommandView) Cmd() Cmd {
	return Cmd(ne.Uint32(v[offCmd:]))
}

func (v CommandView) SetCmd(c Cmd) {
	ne.PutUint32(v[offCmd:], uint32(c))
}

func (v CommandView) ID() int32 {
	return int32(ne.Uint32(v[offID:]))
}

func (v CommandView) SetID(id int32) {
	ne.PutUint32(v[offID:], uint32(id))
}

func (v CommandView) Status() int32 {
	return int32(ne.Uint32(v[offStatus:]))
}

func (v CommandView) SetStatus(s int32) {
	ne.PutUint32(v[offStatus:], uint32(s))
}

// ConsumedSize returns the number of bytes the host moved in the last
// CmdRead or CmdWrite.
func (v CommandView) ConsumedSize() int32 {
	return int32(ne.Uint32(v[offConsumedSize:]))
}

// SetConsumedSize is used by the host to report progress.
func (v CommandView) SetConsumedSize(n int32) {
	ne.PutUint32(v[offConsumedSize:], uint32(n))
}

func (v CommandView) buffer(i int) Buffer {
	return Buffer{
		Addr: ne.Uint64(v[offPtrs+8*i:]),
		Size: ne.Uint32(v[offSizes+4*i:]),
	}
}

func (v CommandView) putBuffer(i int, b Buffer) {
	ne.PutUint64(v[offPtrs+8*i:], b.Addr)
	ne.PutUint32(v[offSizes+4*i:], b.Size)
}
