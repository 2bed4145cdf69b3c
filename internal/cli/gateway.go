package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawgate/clawgate/internal/channels/feishu"
	"github.com/clawgate/clawgate/internal/channels/registry"
	signalchannel "github.com/clawgate/clawgate/internal/channels/signal"
	"github.com/clawgate/clawgate/internal/channels/telegram"
	"github.com/clawgate/clawgate/internal/channels/whatsapp"
	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/gateway"
	"github.com/clawgate/clawgate/internal/gateway/session"
	"github.com/clawgate/clawgate/internal/infra"
	httpiface "github.com/clawgate/clawgate/internal/interfaces/http"
	"github.com/clawgate/clawgate/internal/outbound"
	"github.com/clawgate/clawgate/internal/system/logger"
	"github.com/clawgate/clawgate/pkg/pluginsdk"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway server",
	Long: `Start the websocket control plane and its REST surface.

The gateway hosts channel account monitors, the outbound message
pipeline, inbound dedupe, and health aggregation.

Default: ws://127.0.0.1:18890`,
	RunE: runGateway,
}

var (
	gatewayPort     int
	gatewayHTTPPort int
	gatewayBind     string
	gatewayVerbose  bool
)

func init() {
	gatewayCmd.Flags().IntVarP(&gatewayPort, "port", "p", 18890, "Gateway listen port")
	gatewayCmd.Flags().IntVar(&gatewayHTTPPort, "http-port", 18891, "REST listen port")
	gatewayCmd.Flags().StringVar(&gatewayBind, "bind", "loopback", "Bind mode: loopback or all")
	gatewayCmd.Flags().BoolVarP(&gatewayVerbose, "verbose", "v", false, "Enable verbose logging")
}

// inboundRelay breaks the construction cycle between plugins, which
// need an inbound sink, and the gateway server, which needs the
// registry the plugins form.
type inboundRelay struct {
	sink atomic.Value // pluginsdk.InboundSink
}

func (r *inboundRelay) Bind(s pluginsdk.InboundSink) { r.sink.Store(s) }

func (r *inboundRelay) HandleInbound(ev pluginsdk.InboundEvent) {
	if s, ok := r.sink.Load().(pluginsdk.InboundSink); ok && s != nil {
		s.HandleInbound(ev)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	logCfg := logger.DefaultConfig()
	if gatewayVerbose || infra.IsTruthyEnv("CLAWGATE_DEBUG") {
		logCfg.Level = slog.LevelDebug
	}
	logMgr, err := logger.New(logCfg)
	if err != nil {
		return err
	}
	defer logMgr.Close()

	log := logMgr.NewLogger()
	slog.SetDefault(log)
	log.Debug("logging to file", "path", logMgr.CurrentLogFile())

	if removed, err := logMgr.Cleanup(); err == nil && removed > 0 {
		log.Info("pruned expired log files", "removed", removed)
	}

	infra.PrintBanner(version)

	cfg, err := config.Load()
	if err != nil {
		log.Warn("config load warning, using defaults", "error", err)
		cfg = config.Default()
	}
	if cmd.Flags().Changed("port") {
		cfg.Gateway.Port = gatewayPort
	}
	if cmd.Flags().Changed("http-port") {
		cfg.Gateway.HTTPPort = gatewayHTTPPort
	}
	if cmd.Flags().Changed("bind") {
		cfg.Gateway.Bind = gatewayBind
	}

	log.Info("starting gateway",
		"version", version,
		"port", cfg.Gateway.Port,
		"httpPort", cfg.Gateway.HTTPPort,
		"bind", cfg.Gateway.Bind,
	)

	sessions, err := session.Open("")
	if err != nil {
		return err
	}
	defer sessions.Close()

	relay := &inboundRelay{}
	reg := registry.NewBuilder(log).
		Register(telegram.New(cfg.Channels.Telegram, log, relay).Plugin()).
		Register(feishu.New(cfg.Channels.Feishu, log, relay).Plugin()).
		Register(whatsapp.New(cfg.Channels.WhatsApp).Plugin()).
		Register(signalchannel.New(cfg.Channels.Signal).Plugin()).
		Build()

	pipeline := outbound.New(reg, sessions, log)

	gw := gateway.NewServer(cfg, log, reg, pipeline, sessions, nil)
	relay.Bind(gw)

	if err := gw.Start(); err != nil {
		return err
	}

	if code := gw.PairingCode(); code != "" {
		fmt.Printf("  pairing code: %s\n", code)
		fmt.Println("  present it once on connect to receive a bearer token")
		fmt.Println()
		log.Info("pairing code issued", "code", code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Long-running gateways prune expired log files once a day.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, err := logMgr.Cleanup(); err == nil && removed > 0 {
					log.Info("pruned expired log files", "removed", removed)
				}
			}
		}
	}()

	rest := httpiface.NewServer(cfg, log, gw, pipeline, gw)
	go func() {
		if err := rest.Start(ctx); err != nil {
			log.Error("http server error", "error", err)
		}
	}()

	log.Info("gateway ready", "address", gw.Address())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info("received shutdown signal", "signal", sig.String())
	cancel()

	return gw.Shutdown()
}
