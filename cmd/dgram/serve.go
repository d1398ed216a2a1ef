package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/vsekhar/dgram/internal/atomic"
	"github.com/vsekhar/dgram/internal/backoff"
	"github.com/vsekhar/dgram/internal/singlego"
	"github.com/vsekhar/dgram/transport"
)

const maxDatagramSize = 1<<16 - 1

type serveConfig struct {
	CommonConfig `mapstructure:",squash"`

	Addr      string        `mapstructure:"addr"`
	Workers   int           `mapstructure:"workers"`
	ReusePort bool          `mapstructure:"reuseport"`
	AddrFile  string        `mapstructure:"addr-file"`
	Drain     time.Duration `mapstructure:"drain"`
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Echo every datagram back to its sender",
		Long: `Echo every datagram back to its sender.

SIGHUP replaces the socket with a fresh one bound to the same address
(requires --reuseport). The old socket is closed after --drain.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg serveConfig
			if err := loadConfig(cmd, v, &cfg); err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			if err != nil {
				return err
			}
			err = runServe(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Error("serve", "err", err)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.String("addr", "127.0.0.1:0", "local address to bind, port 0 picks a free port")
	f.Int("workers", 4, "number of concurrent receivers")
	f.Bool("reuseport", false, "bind with SO_REUSEPORT so the socket can be replaced on SIGHUP")
	f.String("addr-file", "", "write the bound address to this file")
	f.Duration("drain", time.Second, "how long a replaced socket stays open")
	return cmd
}

func runServe(ctx context.Context, cfg serveConfig, logger *log.Logger) error {
	addr, err := netip.ParseAddrPort(cfg.Addr)
	if err != nil {
		return fmt.Errorf("serve: address %q: %w", cfg.Addr, err)
	}
	u, err := transport.Config{ReusePort: cfg.ReusePort}.Bind(ctx, addr)
	if err != nil {
		return err
	}
	defer u.Close()
	logger.Info("listening", "addr", u.LocalAddr(), "workers", cfg.Workers)
	if cfg.AddrFile != "" {
		if err := atomic.WriteFile(cfg.AddrFile, []byte(u.LocalAddr().String()+"\n")); err != nil {
			return fmt.Errorf("serve: writing address file: %w", err)
		}
	}

	rebind := singlego.New(ctx, func() {
		if !cfg.ReusePort {
			logger.Warn("ignoring SIGHUP, rebinding needs --reuseport")
			return
		}
		err := backoff.Retry(ctx, 100*time.Millisecond, 5*time.Second, func() error {
			old, err := u.Rebind(ctx)
			if err != nil {
				logger.Warn("rebind", "err", err)
				return err
			}
			time.AfterFunc(cfg.Drain, func() { old.Close() })
			logger.Info("rebound", "addr", u.LocalAddr())
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("rebind gave up", "err", err)
		}
	})
	defer rebind.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				rebind.Notify()
			case <-ctx.Done():
				return
			}
		}
	}()

	var t transport.Transport = u
	if cfg.Trace {
		t = transport.Trace(u, logger)
	}
	return echo(ctx, t, cfg.Workers, logger)
}

// echo runs workers goroutines, each on its own clone of t, until ctx is done
// or the live socket is closed.
func echo(ctx context.Context, t transport.Transport, workers int, logger *log.Logger) error {
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		c, err := t.Clone()
		if err != nil {
			return err
		}
		wlog := logger.With("worker", i)
		g.Go(func() error { return echoLoop(ctx, c, wlog) })
	}
	return g.Wait()
}

func echoLoop(ctx context.Context, t transport.Transport, logger *log.Logger) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := t.Recv(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				// A socket replaced by a rebind was closed under us; carry
				// on with the live one unless that is closed too.
				if _, ok := t.LocalPort(); !ok {
					return err
				}
				continue
			}
			logger.Warn("recv", "err", err)
			continue
		}
		if _, err := t.Send(ctx, buf[:n], from); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("send", "to", from, "err", err)
			continue
		}
		logger.Debug("echoed", "bytes", n, "to", from)
	}
}
