// Package main provides the CLI entry point for metro-ping.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/metro-ping/internal/config"
	"github.com/postalsys/metro-ping/internal/health"
	"github.com/postalsys/metro-ping/internal/logging"
	"github.com/postalsys/metro-ping/internal/metrics"
	"github.com/postalsys/metro-ping/internal/resolve"
	"github.com/postalsys/metro-ping/internal/session"
	"github.com/postalsys/metro-ping/internal/stats"
	"github.com/postalsys/metro-ping/internal/transport"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath    string
		privileged    bool
		interval      time.Duration
		logLevel      string
		logFormat     string
		healthAddress string
	)

	cmd := &cobra.Command{
		Use:   "metro-ping <host>",
		Short: "metro-ping - ICMP echo diagnostic client",
		Long: `metro-ping sends ICMP echo requests to a single IPv4 destination,
matches the returning replies and reports round-trip latency and loss
statistics. Interrupt with SIGINT to print the final summary.`,
		Version: Version,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Arguments are valid from here on; runtime failures should
			// not re-print the usage text.
			cmd.SilenceUsage = true

			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			// Flags override file values.
			flags := cmd.Flags()
			if flags.Changed("privileged") {
				cfg.Ping.Privileged = privileged
			}
			if flags.Changed("interval") {
				cfg.Ping.Interval = interval
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if flags.Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			if flags.Changed("health-address") {
				cfg.Health.Enabled = true
				cfg.Health.Address = healthAddress
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runPing(cmd.OutOrStdout(), args[0], cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVar(&privileged, "privileged", false, "Use a raw ICMP socket (needs CAP_NET_RAW)")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Delay between echo requests, anchored to send time")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	cmd.Flags().StringVar(&healthAddress, "health-address", "", "Enable the health/metrics HTTP endpoint on this address")

	return cmd
}

func runPing(out io.Writer, host string, cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr, err := resolve.IPv4(ctx, host)
	if err != nil {
		return err
	}

	conn, err := transport.Dial(addr, cfg.Ping.Privileged, logger)
	if err != nil {
		return fmt.Errorf("open ICMP socket: %w", err)
	}
	defer conn.Close()

	sessCfg := session.DefaultConfig()
	sessCfg.PayloadSize = cfg.Ping.PayloadSize
	sessCfg.Interval = cfg.Ping.Interval
	sessCfg.ReplyTimeout = cfg.Ping.ReplyTimeout

	sess := session.New(sessCfg, conn, &printer{out: out}, logger, metrics.Default())

	provider := &sessionStats{dest: addr.String(), sess: sess}
	provider.running.Store(true)

	if cfg.Health.Enabled {
		srv := health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, provider)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start health endpoint: %w", err)
		}
		logger.Info("health endpoint listening", logging.KeyAddress, srv.Address())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(shutdownCtx)
		}()
	}

	fmt.Fprintf(out, "PING %s (%s): %d bytes of data.\n", host, addr, sessCfg.PayloadSize)

	report, err := sess.Run(ctx)
	provider.running.Store(false)

	if errors.Is(err, stats.ErrInsufficientData) {
		fmt.Fprintf(out, "\n--- %s ping statistics ---\nno packets transmitted\n", host)
		return nil
	}
	if err != nil {
		return err
	}

	printReport(out, host, report)
	return nil
}

// printer writes the classic per-cycle ping lines. It runs on the session
// goroutine, so it only formats and writes.
type printer struct {
	out io.Writer
}

func (p *printer) Reply(r session.Reply) {
	if r.TTL >= 0 {
		fmt.Fprintf(p.out, "%d bytes from %s: icmp_seq=%d ttl=%d time=%.3f ms\n",
			r.Bytes, r.From, r.Seq, r.TTL, r.RTTMillis)
		return
	}
	fmt.Fprintf(p.out, "%d bytes from %s: icmp_seq=%d time=%.3f ms\n",
		r.Bytes, r.From, r.Seq, r.RTTMillis)
}

func (p *printer) Timeout(seq uint16) {
	fmt.Fprintln(p.out, "Request timed out")
}

func printReport(out io.Writer, host string, rep stats.Report) {
	fmt.Fprintf(out, "\n--- %s ping statistics ---\n", host)
	fmt.Fprintf(out, "%d packets transmitted, %d received, %d lost, %.2f%% packet loss, time %.3fs\n",
		rep.Transmitted, rep.Received, rep.Lost, rep.LossPercent, rep.Elapsed.Seconds())
	if rep.HasRTT {
		fmt.Fprintf(out, "rtt min/avg/max/mdev = %.3f/%.3f/%.3f/%.3f ms\n",
			rep.MinMS, rep.AvgMS, rep.MaxMS, rep.MdevMS)
		return
	}
	fmt.Fprintln(out, "rtt min/avg/max/mdev unavailable (no replies received)")
}

// sessionStats adapts the session counters to the health endpoint.
type sessionStats struct {
	dest    string
	sess    *session.Session
	running atomic.Bool
}

func (s *sessionStats) IsRunning() bool {
	return s.running.Load()
}

func (s *sessionStats) Stats() health.Stats {
	tx, rx := s.sess.Counters()
	return health.Stats{Destination: s.dest, Transmitted: tx, Received: rx}
}
