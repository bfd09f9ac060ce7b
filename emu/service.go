package emu

import (
	"bytes"
	"io"

	"github.com/c35s/gfpipe/wire"
)

// Service accepts connections from pipes.
type Service interface {

	// Connect returns a new endpoint for a pipe. The endpoint calls ready,
	// from any goroutine, when its readiness may have changed for a reason
	// other than a call to Send or Recv.
	Connect(ready func()) (Endpoint, error)
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc func(ready func()) (Endpoint, error)

func (f ServiceFunc) Connect(ready func()) (Endpoint, error) {
	return f(ready)
}

// Endpoint is a service's end of one pipe. Send and Recv never block, and
// they're never called concurrently with each other or with Poll.
type Endpoint interface {

	// Send accepts up to len(p) bytes from the guest. It returns 0 and a nil
	// error if the service can't take any bytes right now.
	Send(p []byte) (int, error)

	// Recv copies bytes bound for the guest into p. It returns 0 and a nil
	// error if none are available right now, and io.EOF once there will
	// never be any more.
	Recv(p []byte) (int, error)

	// Poll returns the endpoint's readiness as wire.Poll* bits.
	Poll() uint32

	Close() error
}

// Echo is a service that sends the guest's bytes back to it.
type Echo struct {

	// Size is the number of bytes the echo buffers before writes stall.
	// If Size is 0, it buffers one page.
	Size int
}

type echoEndpoint struct {
	size int
	buf  bytes.Buffer
}

func (e Echo) Connect(ready func()) (Endpoint, error) {
	size := e.Size
	if size == 0 {
		size = wire.PageSize
	}

	return &echoEndpoint{size: size}, nil
}

func (e *echoEndpoint) Send(p []byte) (int, error) {
	n := min(len(p), e.size-e.buf.Len())
	return e.buf.Write(p[:n])
}

func (e *echoEndpoint) Recv(p []byte) (int, error) {
	n, err := e.buf.Read(p)
	if err == io.EOF {
		// empty, not done
		return 0, nil
	}

	return n, err
}

func (e *echoEndpoint) Poll() uint32 {
	var m uint32
	if e.buf.Len() > 0 {
		m |= wire.PollIn
	}

	if e.buf.Len() < e.size {
		m |= wire.PollOut
	}

	return m
}

func (e *echoEndpoint) Close() error {
	e.buf.Reset()
	return nil
}
