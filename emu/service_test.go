package emu_test

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/c35s/gfpipe/emu"
	"github.com/c35s/gfpipe/wire"
)

func TestEcho(t *testing.T) {
	ep, err := emu.Echo{Size: 4}.Connect(nil)
	if err != nil {
		t.Fatal(err)
	}

	defer ep.Close()

	if m := ep.Poll(); m != wire.PollOut {
		t.Errorf("empty poll %#x != %#x", m, wire.PollOut)
	}

	if n, err := ep.Send([]byte("hello")); err != nil || n != 4 {
		t.Errorf("send: n=%d err=%v", n, err)
	}

	if m := ep.Poll(); m != wire.PollIn {
		t.Errorf("full poll %#x != %#x", m, wire.PollIn)
	}

	if n, err := ep.Send([]byte("o")); err != nil || n != 0 {
		t.Errorf("send to full echo: n=%d err=%v", n, err)
	}

	p := make([]byte, 8)
	if n, err := ep.Recv(p); err != nil || string(p[:n]) != "hell" {
		t.Errorf("recv: %q, %v", p[:n], err)
	}

	if n, err := ep.Recv(p); err != nil || n != 0 {
		t.Errorf("empty recv: n=%d err=%v", n, err)
	}
}

func TestConn(t *testing.T) {
	t.Run("no dialer", func(t *testing.T) {
		if _, err := (&emu.Conn{}).Connect(func() {}); err == nil {
			t.Error("connected without a dialer")
		}
	})

	t.Run("dial error", func(t *testing.T) {
		errDial := errors.New("dial failed")
		c := &emu.Conn{Dial: func() (net.Conn, error) { return nil, errDial }}

		if _, err := c.Connect(func() {}); err != errDial {
			t.Errorf("err %v != %v", err, errDial)
		}
	})

	t.Run("pumps", func(t *testing.T) {
		server, client := net.Pipe()
		defer server.Close()

		ready := make(chan struct{}, 1)
		c := &emu.Conn{
			Dial: func() (net.Conn, error) { return client, nil },
			Size: 4,
		}

		ep, err := c.Connect(func() {
			select {
			case ready <- struct{}{}:
			default:
			}
		})

		if err != nil {
			t.Fatal(err)
		}

		defer ep.Close()

		if n, err := ep.Send([]byte("abcdef")); err != nil || n != 4 {
			t.Errorf("send: n=%d err=%v", n, err)
		}

		buf := make([]byte, 4)
		if _, err := io.ReadFull(server, buf); err != nil || string(buf) != "abcd" {
			t.Errorf("server read: %q, %v", buf, err)
		}

		go server.Write([]byte("xyz"))

		p := make([]byte, 8)
		deadline := time.Now().Add(time.Second)

		var got []byte
		for len(got) < 3 {
			if time.Now().After(deadline) {
				t.Fatalf("timed out receiving, got %q", got)
			}

			n, err := ep.Recv(p)
			if err != nil {
				t.Fatal(err)
			}

			got = append(got, p[:n]...)
			if n == 0 {
				select {
				case <-ready:
				case <-time.After(10 * time.Millisecond):
				}
			}
		}

		if string(got) != "xyz" {
			t.Errorf("recv %q", got)
		}

		server.Close()

		deadline = time.Now().Add(time.Second)
		for ep.Poll()&wire.PollHup == 0 {
			if time.Now().After(deadline) {
				t.Fatal("no hangup after the server closed")
			}

			time.Sleep(time.Millisecond)
		}

		if _, err := ep.Recv(p); err != io.EOF {
			t.Errorf("err %v != EOF", err)
		}
	})
}
