// gfpipe attaches a pipe device to an emulated host and connects stdin and
// stdout to a pipe opened to one of the host's services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"

	"github.com/c35s/gfpipe/emu"
	"github.com/c35s/gfpipe/mem"
	"github.com/c35s/gfpipe/pipe"
	"github.com/c35s/gfpipe/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// config is the YAML config file. Flags that are set override it.
type config struct {
	Mem      int                      `yaml:"mem"` // MiB
	MaxPipes int                      `yaml:"maxPipes"`
	Metrics  string                   `yaml:"metrics"`
	Services map[string]serviceConfig `yaml:"services"`
}

// serviceConfig describes one host service. Exactly one field must be set.
type serviceConfig struct {
	Echo *struct {
		Size int `yaml:"size"`
	} `yaml:"echo"`

	TCP string `yaml:"tcp"`

	Vsock *struct {
		CID  uint32 `yaml:"cid"`
		Port uint32 `yaml:"port"`
	} `yaml:"vsock"`
}

// escape ends the session when stdin is a raw terminal (^])
const escape = 0x1d

// bufSize is the size of each of the stdin and stdout transfer buffers
const bufSize = 16 * wire.PageSize

func main() {

	var (
		cfgPath  = flag.String("config", "", "load YAML config from file or URL")
		memSize  = flag.Int("mem", 64, "set the arena size in MiB")
		maxPipes = flag.Int("max-pipes", 0, "limit the number of open pipes (0 for no limit)")
		metrics  = flag.String("metrics", "", "serve Prometheus metrics on addr")
		service  = flag.String("service", "echo", "connect to the named service")
		verbose  = flag.Bool("v", false, "log debug messages")
	)

	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg := config{Mem: *memSize, MaxPipes: *maxPipes, Metrics: *metrics}
	if *cfgPath != "" {
		b, err := readURL(*cfgPath)
		if err != nil {
			panic(err)
		}

		if err := yaml.Unmarshal(b, &cfg); err != nil {
			panic(fmt.Errorf("gfpipe: parse config %s: %w", *cfgPath, err))
		}

		// explicit flags win
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "mem":
				cfg.Mem = *memSize
			case "max-pipes":
				cfg.MaxPipes = *maxPipes
			case "metrics":
				cfg.Metrics = *metrics
			}
		})
	}

	services, err := cfg.services()
	if err != nil {
		panic(err)
	}

	arena, err := mem.NewArena(mem.ArenaConfig{Size: cfg.Mem << 20})
	if err != nil {
		panic(err)
	}

	defer arena.Close()

	var dev *pipe.Device

	host, err := emu.New(emu.Config{
		MemAt:    arena.MemAt,
		Notify:   func() { dev.Raise() },
		Services: services,
		Logger:   log.With("side", "host"),
	})

	if err != nil {
		panic(err)
	}

	defer host.Close()

	reg := prometheus.NewRegistry()

	dev, err = pipe.New(pipe.Config{
		Regs:       host,
		Memory:     arena,
		Logger:     log.With("side", "guest"),
		MaxPipes:   cfg.MaxPipes,
		Registerer: reg,
	})

	if err != nil {
		panic(err)
	}

	defer dev.Close()

	if cfg.Metrics != "" {
		go func() {
			log.Info("serving metrics", "addr", cfg.Metrics)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.Metrics, mux); err != nil {
				log.Error("metrics server failed", "err", err)
			}
		}()
	}

	raw := false
	if term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			panic(err)
		}

		defer term.Restore(int(os.Stdin.Fd()), old)
		raw = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, stop, dev, arena, *service, raw); err != nil {
		panic(err)
	}
}

// run opens a pipe to the named service and copies stdin to it and it to
// stdout until either side ends or ctx is done.
func run(ctx context.Context, stop context.CancelFunc, dev *pipe.Device, arena *mem.Arena, service string, raw bool) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dev.Run(ctx) })

	// Run must be done before main closes the device
	defer func() {
		stop()
		g.Wait()
	}()

	p, err := dev.Open(ctx, pipe.OpenFlags{})
	if err != nil {
		return err
	}

	defer p.Close()

	as := mem.NewAddressSpace(arena)

	in, err := as.Alloc(bufSize)
	if err != nil {
		return err
	}

	out, err := as.Alloc(bufSize)
	if err != nil {
		return err
	}

	if err := writeAll(ctx, p, as, in, []byte("pipe:"+service+"\x00")); err != nil {
		return fmt.Errorf("gfpipe: connect to %s: %w", service, err)
	}

	// stdin reads can't be interrupted, so the copy isn't part of the group
	go func() {
		defer stop()

		buf := make([]byte, bufSize)
		for {
			n, err := os.Stdin.Read(buf)
			if raw {
				for i, c := range buf[:n] {
					if c == escape {
						writeAll(ctx, p, as, in, buf[:i])
						return
					}
				}
			}

			if n > 0 {
				if err := writeAll(ctx, p, as, in, buf[:n]); err != nil {
					if !errors.Is(err, pipe.ErrRestart) && !errors.Is(err, pipe.ErrClosed) {
						slog.Error("pipe write failed", "err", err)
					}

					return
				}
			}

			if err != nil {
				if err != io.EOF {
					slog.Error("stdin read failed", "err", err)
				}

				return
			}
		}
	}()

	g.Go(func() error {
		defer stop()

		buf := make([]byte, bufSize)
		for {
			n, err := p.Read(ctx, as, out, bufSize)
			if errors.Is(err, pipe.ErrRestart) {
				return nil
			}

			if err != nil {
				return fmt.Errorf("gfpipe: pipe read: %w", err)
			}

			if n == 0 {
				return nil
			}

			if _, err := as.ReadAt(buf[:n], int64(out)); err != nil {
				return err
			}

			if _, err := os.Stdout.Write(buf[:n]); err != nil {
				return err
			}
		}
	})

	return g.Wait()
}

// writeAll copies b into user memory at addr and writes it to the pipe.
func writeAll(ctx context.Context, p *pipe.Pipe, as *mem.AddressSpace, addr uint64, b []byte) error {
	if _, err := as.WriteAt(b, int64(addr)); err != nil {
		return err
	}

	for len(b) > 0 {
		n, err := p.Write(ctx, as, addr, len(b))
		if err != nil {
			return err
		}

		addr += uint64(n)
		b = b[n:]
	}

	return nil
}

func (cfg config) services() (map[string]emu.Service, error) {
	if len(cfg.Services) == 0 {
		return map[string]emu.Service{"echo": emu.Echo{}}, nil
	}

	m := make(map[string]emu.Service, len(cfg.Services))
	for name, sc := range cfg.Services {
		switch {
		case sc.Echo != nil:
			m[name] = emu.Echo{Size: sc.Echo.Size}

		case sc.TCP != "":
			m[name] = emu.TCP(sc.TCP)

		case sc.Vsock != nil:
			m[name] = emu.Vsock(sc.Vsock.CID, sc.Vsock.Port)

		default:
			return nil, fmt.Errorf("gfpipe: service %s has no type", name)
		}
	}

	return m, nil
}

func readURL(s string) (body []byte, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("gfpipe: read URL %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		return os.ReadFile(u.Path)

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return nil, err
		}

		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("response status %d != %d", res.StatusCode, http.StatusOK)
		}

		return io.ReadAll(res.Body)

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
