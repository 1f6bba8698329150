// Command can-server bridges a CAN device to cannelloni TCP clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-canio/internal/can"
	"github.com/kstaniek/go-canio/internal/cnl"
	"github.com/kstaniek/go-canio/internal/metrics"
	"github.com/kstaniek/go-canio/internal/server"

	// Drivers register with the can registry from init.
	_ "github.com/kstaniek/go-canio/internal/socketcan"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, showVersion, err := loadConfig(os.Args[1:], os.Stderr)
	if showVersion {
		fmt.Printf("can-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	if cfg.configFile != "" {
		l.Info("config_file", "path", cfg.configFile)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, l); err != nil {
		l.Error("exit", "error", err)
		os.Exit(1)
	}
}

// run serves until ctx ends or the backend fails, then shuts down.
func run(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := initHub(cfg, l)
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	be, err := openBackend(cfg, l)
	if err != nil {
		return fmt.Errorf("backend_init: %w", err)
	}
	defer func() { _ = be.Close() }()

	srv := server.NewServer(
		server.WithHub(h),
		server.WithCodec(&cnl.Codec{}),
		server.WithBackend(be.tx),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	srv.SetListenAddr(cfg.listenAddr)

	fatal := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer l.Info("backend_rx_end")
		if err := h.Feed(ctx, be.rx); err != nil {
			if !errors.Is(err, can.ErrClosed) || ctx.Err() == nil {
				fatal <- fmt.Errorf("backend %s: %w", be.spec, err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			fatal <- err
		}
	}()

	select {
	case <-srv.Ready():
		if cfg.mdnsEnable {
			withdraw, err := startMDNS(cfg, srv.Addr())
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
			} else {
				l.Info("mdns_started", "service", cnl.ServiceType, "name", instanceName(cfg))
				defer withdraw()
			}
		}
	case <-ctx.Done():
	case err := <-fatal:
		cancel()
		wg.Wait()
		return err
	}

	// Ready when server listener is bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		l.Info("shutdown_signal")
	case runErr = <-fatal:
		l.Error("fatal", "error", runErr)
	}
	cancel()
	sdCtx, sdCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer sdCancel()
	if err := srv.Shutdown(sdCtx); err != nil {
		l.Warn("shutdown_incomplete", "error", err)
	}
	// Closing the device releases a receive that ignores ctx.
	_ = be.Close()
	wg.Wait()
	logSnapshot(l, metrics.Snap())
	return runErr
}
