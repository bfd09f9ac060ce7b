package wire

// OpenParams are the parameters of CmdOpen. They live in a device-wide buffer
// rather than in the command record because the host doesn't know where the
// new pipe's command buffer is until it reads them.
type OpenParams struct {
	CommandBuffer uint64 // GPA of the pipe's command buffer
	MaxBuffers    uint32 // capacity of RWParams.Buffers
}

// SignalledPipe is one entry of the signal buffer.
type SignalledPipe struct {
	ID    uint32
	Flags uint32
}

// device buffers page layout
//
//	struct {
//		u64 command_buffer_ptr
//		u32 rw_params_max_count
//		u32 pad
//	} open_command_params
//	struct {
//		u32 id
//		u32 flags
//	} signalled_pipe_buffers[MaxSignalledPipes]

const (
	SizeofOpenParams    = 16
	SizeofSignalledPipe = 8

	// OffsetOpenParams and OffsetSignalBuffer locate the two buffers in the
	// device buffers page.
	OffsetOpenParams   = 0
	OffsetSignalBuffer = OffsetOpenParams + SizeofOpenParams

	// SizeofDeviceBuffers is the binary size of the device buffers page contents.
	SizeofDeviceBuffers = OffsetSignalBuffer + MaxSignalledPipes*SizeofSignalledPipe
)

// OpenParamsView is the open params buffer in memory shared with the host.
type OpenParamsView []byte

// SignalBufferView is the signal buffer in memory shared with the host.
type SignalBufferView []byte

func (v OpenParamsView) Get() OpenParams {
	_ = v[:SizeofOpenParams]
	return OpenParams{
		CommandBuffer: ne.Uint64(v[0:8]),
		MaxBuffers:    ne.Uint32(v[8:12]),
	}
}

func (v OpenParamsView) Put(p OpenParams) {
	_ = v[:SizeofOpenParams]
	ne.PutUint64(v[0:8], p.CommandBuffer)
	ne.PutUint32(v[8:12], p.MaxBuffers)
}

// Len returns the number of entries the view can hold.
func (v SignalBufferView) Len() int {
	return len(v) / SizeofSignalledPipe
}

func (v SignalBufferView) Entry(i int) SignalledPipe {
	off := i * SizeofSignalledPipe
	return SignalledPipe{
		ID:    ne.Uint32(v[off:]),
		Flags: ne.Uint32(v[off+4:]),
	}
}

func (v SignalBufferView) PutEntry(i int, s SignalledPipe) {
	off := i * SizeofSignalledPipe
	ne.PutUint32(v[off:], s.ID)
	ne.PutUint32(v[off+4:], s.Flags)
}
