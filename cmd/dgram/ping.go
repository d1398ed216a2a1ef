package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vsekhar/dgram/transport"
)

type pingConfig struct {
	CommonConfig `mapstructure:",squash"`

	To       string        `mapstructure:"to"`
	Bind     string        `mapstructure:"bind"`
	Count    int           `mapstructure:"count"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Size     int           `mapstructure:"size"`
}

type pingStats struct {
	Sent, Received int
	RTTs           []time.Duration
}

func newPingCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send probes to an echo server and report round trip times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg pingConfig
			if err := loadConfig(cmd, v, &cfg); err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			if err != nil {
				return err
			}
			stats, err := runPing(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Error("ping", "err", err)
				return err
			}
			logger.Info("done", "sent", stats.Sent, "received", stats.Received)
			if stats.Received == 0 {
				return fmt.Errorf("no replies from %s", cfg.To)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.String("to", "", "echo server address, host:port with a literal IP")
	f.String("bind", "", "local address (default: any address of the same family, free port)")
	f.Int("count", 4, "number of probes")
	f.Duration("interval", time.Second, "time between probes")
	f.Duration("timeout", time.Second, "how long to wait for each reply")
	f.Int("size", 64, fmt.Sprintf("probe size in bytes, at least %d", len(uuid.UUID{})))
	return cmd
}

func runPing(ctx context.Context, cfg pingConfig, logger *log.Logger) (pingStats, error) {
	to, err := netip.ParseAddrPort(cfg.To)
	if err != nil {
		return pingStats{}, fmt.Errorf("ping: address %q: %w", cfg.To, err)
	}
	local := netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
	if to.Addr().Is4() {
		local = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	if cfg.Bind != "" {
		if local, err = netip.ParseAddrPort(cfg.Bind); err != nil {
			return pingStats{}, fmt.Errorf("ping: bind address %q: %w", cfg.Bind, err)
		}
	}
	u, err := transport.Bind(ctx, local)
	if err != nil {
		return pingStats{}, err
	}
	defer u.Close()

	var t transport.Transport = u
	if cfg.Trace {
		t = transport.Trace(u, logger)
	}
	return ping(ctx, t, to, cfg, logger)
}

// ping sends cfg.Count probes to "to", each tagged with a random UUID, and
// waits up to cfg.Timeout for the echo carrying the same UUID. Stale or
// foreign datagrams are ignored.
func ping(ctx context.Context, t transport.Transport, to netip.AddrPort, cfg pingConfig, logger *log.Logger) (pingStats, error) {
	var stats pingStats
	size := max(cfg.Size, len(uuid.UUID{}))
	buf := make([]byte, maxDatagramSize)
	for seq := 0; seq < cfg.Count; seq++ {
		if seq > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(cfg.Interval):
			}
		}
		id := uuid.New()
		probe := make([]byte, size)
		copy(probe, id[:])
		start := time.Now()
		if _, err := t.Send(ctx, probe, to); err != nil {
			return stats, fmt.Errorf("ping: send to %s: %w", to, err)
		}
		stats.Sent++
		err := awaitEcho(ctx, t, id, cfg.Timeout, buf)
		switch {
		case err == nil:
			rtt := time.Since(start)
			stats.Received++
			stats.RTTs = append(stats.RTTs, rtt)
			logger.Info("reply", "from", to, "seq", seq, "bytes", size, "rtt", rtt)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			logger.Warn("timeout", "to", to, "seq", seq)
		default:
			return stats, err
		}
	}
	return stats, nil
}

func awaitEcho(ctx context.Context, t transport.Transport, id uuid.UUID, timeout time.Duration, buf []byte) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		n, _, err := t.Recv(ctx, buf)
		if err != nil {
			return err
		}
		if n >= len(id) && bytes.Equal(buf[:len(id)], id[:]) {
			return nil
		}
	}
}
