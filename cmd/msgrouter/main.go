package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nforgeio/LillTek-sub012/internal/channel/tcp"
	"github.com/nforgeio/LillTek-sub012/internal/message"
	"github.com/nforgeio/LillTek-sub012/internal/config"
	msghttp "github.com/nforgeio/LillTek-sub012/internal/http"
	"github.com/nforgeio/LillTek-sub012/internal/metrics"
	"github.com/nforgeio/LillTek-sub012/internal/router"
	"github.com/nforgeio/LillTek-sub012/internal/session"
)

// buildVersion is stamped by the build with -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "check":
		runCheck()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: msgrouter <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve   Start the message router")
	fmt.Println("  check   Validate the configuration and exit")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// receiveAdapter feeds channel frames into the router.
type receiveAdapter struct {
	r *router.Router
}

func (a receiveAdapter) Receive(frame []byte, from tcp.Conn) {
	a.r.Receive(frame, from)
}

// routeSource exposes the router's tables to the /routes endpoint.
type routeSource struct {
	r *router.Router
}

func (s routeSource) LogicalEndpoints() []string {
	eps := s.r.Dispatcher().Table().LogicalEndpoints()
	out := make([]string, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.String())
	}
	return out
}

func (s routeSource) PeerEndpoints() []string {
	peers := s.r.Peers()
	out := make([]string, 0, len(peers))
	for _, pr := range peers {
		out = append(out, pr.RouterEP.String())
	}
	return out
}

func (s routeSource) SetID() string {
	return s.r.Dispatcher().SetID().String()
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting msgrouter",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("endpoint", cfg.Router.Endpoint),
		zap.String("channel_listen", cfg.Channel.Listen),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	parser := cfg.BuildParser(logger.Named("endpoint"))
	routerEP, err := parser.Parse(cfg.Router.Endpoint)
	if err != nil {
		logger.Fatal("invalid router endpoint", zap.Error(err))
	}

	advertise := map[string]string{message.AdvBuildVer: buildVersion}
	if cfg.Router.MachineName != "" {
		advertise[message.AdvMachineName] = cfg.Router.MachineName
	}

	r, err := router.New(router.Config{
		RouterEP:   routerEP,
		Workers:    cfg.Router.Workers,
		QueueDepth: cfg.Router.QueueDepth,
		DefaultTTL: uint8(cfg.Router.DefaultTTL),
		Session: session.Defaults{
			KeepAlive:         time.Duration(cfg.Session.KeepAliveMs) * time.Millisecond,
			Timeout:           time.Duration(cfg.Session.TimeoutMs) * time.Millisecond,
			MaxAsyncKeepAlive: time.Duration(cfg.Session.MaxAsyncKeepAliveMs) * time.Millisecond,
		},
		DeadRouterTTL:          cfg.DeadRouterTTL(),
		DeadRouterScanInterval: time.Duration(cfg.DeadRouter.ScanIntervalMs) * time.Millisecond,
		AdvertisePairs:         advertise,
	}, parser, nil, logger.Named("router"))
	if err != nil {
		logger.Fatal("failed to build router", zap.Error(err))
	}
	if err := r.Start(ctx); err != nil {
		logger.Fatal("failed to start router", zap.Error(err))
	}
	defer r.Close()

	// Channel transport.
	tlsCfg, err := cfg.Channel.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	opts := tcp.Options{
		Compress:      cfg.Channel.Compress,
		DialTimeout:   time.Duration(cfg.Channel.DialTimeoutMs) * time.Millisecond,
		WriteTimeout:  time.Duration(cfg.Channel.WriteTimeoutMs) * time.Millisecond,
		MaxFrameBytes: cfg.Channel.MaxFrameBytes,
		TLS:           tlsCfg,
	}

	srv, err := tcp.Listen(cfg.Channel.Listen, opts, receiveAdapter{r}, logger.Named("channel"))
	if err != nil {
		logger.Fatal("failed to bind channel listener", zap.Error(err))
	}
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := srv.Serve(ctx); err != nil {
			logger.Error("channel listener failed", zap.Error(err))
		}
	}()
	logger.Info("channel listening", zap.String("addr", srv.Addr().String()))

	// Dial statically configured peers. Failures are retried here once at
	// startup only; dead-router detection prunes peers that fall over later.
	for _, p := range cfg.Peers {
		peerEP, err := parser.Parse(p.Endpoint)
		if err != nil {
			logger.Fatal("invalid peer endpoint", zap.String("endpoint", p.Endpoint), zap.Error(err))
		}
		c, err := tcp.Dial(p.Address, opts)
		if err != nil {
			logger.Warn("peer dial failed, skipping",
				zap.String("peer", p.Endpoint),
				zap.String("address", p.Address),
				zap.Error(err),
			)
			continue
		}
		r.AttachChannel(c)
		go c.ReadLoop(ctx, receiveAdapter{r}, logger.Named("channel"))
		if err := r.AddPeer(peerEP, c); err != nil {
			logger.Warn("peer registration failed", zap.String("peer", p.Endpoint), zap.Error(err))
			continue
		}
		logger.Info("peer linked",
			zap.String("peer", peerEP.String()),
			zap.String("address", p.Address),
		)
	}

	// HTTP surface.
	httpServer := msghttp.NewServer(cfg.Service.HTTPListen, r, routeSource{r}, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("msgrouter started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the router, then the listener; cancel unblocks the accept loop.
	r.Close()
	cancel()

	select {
	case <-serveDone:
		logger.Info("channel listener stopped")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, listener may not have drained")
	}

	logger.Info("msgrouter stopped")
}

func runCheck() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	parser := cfg.BuildParser(logger.Named("endpoint"))
	ep, err := parser.Parse(cfg.Router.Endpoint)
	if err != nil {
		logger.Fatal("invalid router endpoint", zap.Error(err))
	}
	for name := range cfg.AbstractMap {
		resolved, err := parser.Parse("abstract://" + name)
		if err != nil {
			logger.Warn("abstract mapping does not resolve", zap.String("name", name), zap.Error(err))
			continue
		}
		logger.Info("abstract mapping",
			zap.String("name", name),
			zap.String("resolves_to", resolved.String()),
		)
	}

	logger.Info("configuration OK",
		zap.String("endpoint", ep.String()),
		zap.Int("workers", cfg.Router.Workers),
		zap.Int("peers", len(cfg.Peers)),
		zap.Bool("dead_router_detect", cfg.DeadRouter.Enabled),
	)
}
