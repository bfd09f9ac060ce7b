package emu

import (
	"bytes"
	"errors"
	"net"
	"sync"

	"github.com/c35s/gfpipe/wire"
	"github.com/mdlayher/vsock"
	"golang.org/x/sync/errgroup"
)

// Conn is a service that proxies each pipe to a new network connection.
type Conn struct {

	// Dial opens the connection for a pipe. It must be set.
	Dial func() (net.Conn, error)

	// Size is the number of bytes buffered in each direction.
	// If Size is 0, 16 pages are buffered.
	Size int
}

// Vsock returns a service that proxies each pipe to a new vsock connection to
// the given context id and port.
func Vsock(cid, port uint32) *Conn {
	return &Conn{
		Dial: func() (net.Conn, error) {
			return vsock.Dial(cid, port, nil)
		},
	}
}

// TCP returns a service that proxies each pipe to a new TCP connection to addr.
func TCP(addr string) *Conn {
	return &Conn{
		Dial: func() (net.Conn, error) {
			return net.Dial("tcp", addr)
		},
	}
}

// connEndpoint pumps bytes between a pipe and a net.Conn. The pumps run on
// their own goroutines, so Send and Recv only touch the buffers.
type connEndpoint struct {
	conn  net.Conn
	size  int
	ready func()
	g     errgroup.Group

	mu   sync.Mutex
	in   bytes.Buffer // conn -> guest
	out  bytes.Buffer // guest -> conn
	rerr error        // io.EOF once the conn is drained
	werr error

	inSpace chan struct{}
	outData chan struct{}
	doneC   chan struct{}
	once    sync.Once
}

func (c *Conn) Connect(ready func()) (Endpoint, error) {
	if c.Dial == nil {
		return nil, errors.New("emu: conn service has no dialer")
	}

	conn, err := c.Dial()
	if err != nil {
		return nil, err
	}

	size := c.Size
	if size == 0 {
		size = 16 * wire.PageSize
	}

	e := &connEndpoint{
		conn:    conn,
		size:    size,
		ready:   ready,
		inSpace: make(chan struct{}, 1),
		outData: make(chan struct{}, 1),
		doneC:   make(chan struct{}),
	}

	e.g.Go(e.readPump)
	e.g.Go(e.writePump)

	return e, nil
}

func (e *connEndpoint) Send(p []byte) (int, error) {
	e.mu.Lock()
	if e.werr != nil {
		e.mu.Unlock()
		return 0, e.werr
	}

	n := min(len(p), e.size-e.out.Len())
	e.out.Write(p[:n])
	e.mu.Unlock()

	if n > 0 {
		kick(e.outData)
	}

	return n, nil
}

func (e *connEndpoint) Recv(p []byte) (int, error) {
	e.mu.Lock()
	n, _ := e.in.Read(p)
	if n == 0 && e.rerr != nil {
		err := e.rerr
		e.mu.Unlock()
		return 0, err
	}

	e.mu.Unlock()

	if n > 0 {
		kick(e.inSpace)
	}

	return n, nil
}

func (e *connEndpoint) Poll() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var m uint32
	if e.in.Len() > 0 {
		m |= wire.PollIn
	} else if e.rerr != nil {
		m |= wire.PollHup
	}

	if e.werr == nil && e.out.Len() < e.size {
		m |= wire.PollOut
	}

	return m
}

func (e *connEndpoint) Close() error {
	var err error
	e.once.Do(func() {
		close(e.doneC)
		err = e.conn.Close()
		e.g.Wait()
	})

	return err
}

func (e *connEndpoint) readPump() error {
	buf := make([]byte, wire.PageSize)

	for {
		e.mu.Lock()
		space := e.size - e.in.Len()
		e.mu.Unlock()

		if space == 0 {
			select {
			case <-e.inSpace:
				continue

			case <-e.doneC:
				return nil
			}
		}

		n, err := e.conn.Read(buf[:min(space, len(buf))])

		e.mu.Lock()
		e.in.Write(buf[:n])
		if err != nil {
			e.rerr = err
		}

		e.mu.Unlock()

		e.ready()

		if err != nil {
			return nil
		}
	}
}

func (e *connEndpoint) writePump() error {
	for {
		select {
		case <-e.outData:
		case <-e.doneC:
			return nil
		}

		for {
			e.mu.Lock()
			b := bytes.Clone(e.out.Bytes())
			e.mu.Unlock()

			if len(b) == 0 {
				break
			}

			n, err := e.conn.Write(b)

			e.mu.Lock()
			e.out.Next(n)
			if err != nil {
				e.werr = err
			}

			e.mu.Unlock()

			e.ready()

			if err != nil {
				return nil
			}
		}
	}
}

// kick does a non-blocking send on a wakeup channel.
func kick(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}
