package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dtls_bridge"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// a peer that stays silent for this many receive timeouts in a row is dropped
const maxRecvTimeouts = 3

var logger = zap.NewNop()

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("DTLS_BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "dtls-bridge",
		Short:         "DTLS datagram bridge demo",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return initLogger(v.GetBool("debug"))
		},
	}
	root.PersistentFlags().Bool("debug", false, "Use a development logger at debug level")
	root.PersistentFlags().Duration("tick", 16*time.Millisecond, "Frame loop period")

	root.AddCommand(newServerCmd(v), newClientCmd(v))
	return root
}

func initLogger(debug bool) error {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}

	logger = l
	dtls_bridge.SetLogger(l)
	return nil
}

func addCommonFlags(fs *pflag.FlagSet, listen string) {
	d := dtls_bridge.DefaultCommonOptions()
	fs.String("listen", listen, "Local UDP address")
	fs.String("key", "", "PEM private key")
	fs.String("cert", "", "PEM certificate chain")
	fs.String("ca", "", "PEM CA bundle used to verify the peer")
	fs.Int("buf-size", d.BufSize, "Receive buffer size in bytes")
	fs.Int("queue-size", d.QueueSize, "Capacity of every queue")
	fs.Duration("send-timeout", d.SendTimeout, "Per datagram send deadline")
	fs.Duration("handshake-timeout", d.HandshakeTimeout, "DTLS handshake deadline")
}

func commonOptions(v *viper.Viper) dtls_bridge.CommonOptions {
	o := dtls_bridge.DefaultCommonOptions()
	o.ListenAddress = v.GetString("listen")
	o.KeyPath = v.GetString("key")
	o.CertPath = v.GetString("cert")
	o.CAPath = v.GetString("ca")
	o.BufSize = v.GetInt("buf-size")
	o.QueueSize = v.GetInt("queue-size")
	o.SendTimeout = v.GetDuration("send-timeout")
	o.HandshakeTimeout = v.GetDuration("handshake-timeout")
	return o
}

func newServerCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run an echo server",
		Long: `Run a DTLS server that echoes every datagram back to its sender.

Examples:
  # Self-signed certificate, clients connect with --insecure
  dtls-bridge server --listen 0.0.0.0:4443

  # Mutual TLS
  dtls-bridge server --key server.key --cert server.pem --ca client-pub.pem

  # Environment variables override flags
  DTLS_BRIDGE_MAX_CLIENTS=2 dtls-bridge server`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o := commonOptions(v)
			o.SubjectAltName = v.GetString("san")
			o.MaxClients = v.GetInt("max-clients")
			o.RecvTimeout = v.GetDuration("recv-timeout")
			return runServer(cmd.Context(), o, v.GetString("metrics-addr"), v.GetDuration("tick"))
		},
	}

	d := dtls_bridge.DefaultCommonOptions()
	addCommonFlags(cmd.Flags(), d.ListenAddress)
	cmd.Flags().String("san", d.SubjectAltName, "Subject alternative name of the self-signed certificate")
	cmd.Flags().Int("max-clients", d.MaxClients, "Maximum number of simultaneous peers")
	cmd.Flags().Duration("recv-timeout", 0, "Inactivity timeout per peer, 0 disables it")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func newClientCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a client that sends a datagram every interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			o := commonOptions(v)
			o.RemoteAddress = v.GetString("remote")
			o.ServerName = v.GetString("server-name")
			o.Insecure = v.GetBool("insecure")
			return runClient(cmd.Context(), o, v.GetDuration("interval"), v.GetDuration("tick"))
		},
	}

	d := dtls_bridge.DefaultCommonOptions()
	addCommonFlags(cmd.Flags(), "")
	cmd.Flags().String("remote", d.RemoteAddress, "Server UDP address")
	cmd.Flags().String("server-name", "localhost", "Expected server certificate name")
	cmd.Flags().Bool("insecure", false, "Skip server certificate verification")
	cmd.Flags().Duration("interval", time.Second, "Send period")
	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func serveMetrics(addr string) error {
	reg := prometheus.NewRegistry()
	if err := dtls_bridge.RegisterMetrics(reg); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return nil
}

func runServer(parent context.Context, o dtls_bridge.CommonOptions, metricsAddr string, tick time.Duration) error {
	config, opts, err := dtls_bridge.ParseServerConfig(o)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		if err := serveMetrics(metricsAddr); err != nil {
			return err
		}
	}

	server := dtls_bridge.NewServer(opts)
	if err := server.Start(config); err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	silent := make(map[dtls_bridge.ConnIndex]int)

	for {
		select {
		case <-ctx.Done():
			health := server.Shutdown()
			logger.Info("server is shutdown", zap.Error(health.Err()))
			return nil

		case <-ticker.C:
		}

		events := dtls_bridge.AcceptPending(server)

		for {
			d, ok := server.Recv()
			if !ok {
				break
			}
			delete(silent, d.Index)
			if err := server.Send(d.Index, d.Data); err != nil {
				logger.Warn("echo failed", zap.Stringer("conn", d.Index), zap.Error(err))
			}
		}

		events = append(events, dtls_bridge.ServerEvents(server)...)
		for _, e := range events {
			logEvent(e)

			switch e.Kind {
			case dtls_bridge.EventRecvTimeout:
				silent[e.Index]++
				if silent[e.Index] >= maxRecvTimeouts {
					_ = server.Disconnect(e.Index)
				}
			case dtls_bridge.EventConnClosed:
				delete(silent, e.Index)
			case dtls_bridge.EventListenerClosed:
				server.Shutdown()
				return errors.New("listener closed")
			}
		}
	}
}

func runClient(parent context.Context, o dtls_bridge.CommonOptions, interval, tick time.Duration) error {
	config, opts, err := dtls_bridge.ParseClientConfig(o)
	if err != nil {
		return err
	}

	client := dtls_bridge.NewClient(opts)
	if err := client.Start(config); err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	nextSend := time.Now()
	seq := 0

	for {
		select {
		case <-ctx.Done():
			health := client.Shutdown()
			logger.Info("client is shutdown", zap.Error(health.Err()))
			return nil

		case now := <-ticker.C:
			if !now.Before(nextSend) {
				seq++
				if err := client.Send([]byte(fmt.Sprintf("ping %d", seq))); err != nil {
					logger.Warn("send failed", zap.Error(err))
				}
				nextSend = now.Add(interval)
			}
		}

		for {
			b, ok := client.Recv()
			if !ok {
				break
			}
			logger.Info("received", zap.ByteString("data", b))
		}

		for _, e := range dtls_bridge.ClientEvents(client) {
			logEvent(e)
			if e.Kind == dtls_bridge.EventClosed {
				return errors.New("connection closed")
			}
		}
	}
}

func logEvent(e dtls_bridge.Event) {
	fields := []zap.Field{zap.Stringer("event", e.Kind)}
	if e.Index != 0 {
		fields = append(fields, zap.Stringer("conn", e.Index))
	}
	if e.Bytes != nil {
		fields = append(fields, zap.Int("bytes", len(e.Bytes)))
	}

	switch e.Kind {
	case dtls_bridge.EventFatal, dtls_bridge.EventConnFatal:
		logger.Error("dtls event", append(fields, zap.Error(e.Err))...)
	case dtls_bridge.EventSendTimeout, dtls_bridge.EventRecvTimeout:
		logger.Warn("dtls event", fields...)
	default:
		logger.Info("dtls event", append(fields, zap.Error(e.Err))...)
	}
}
