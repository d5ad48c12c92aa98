package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/safierinx-a/led-grid-server/internal/bus"
	"github.com/safierinx-a/led-grid-server/internal/controllers"
	"github.com/safierinx-a/led-grid-server/internal/metrics"
	"github.com/safierinx-a/led-grid-server/internal/producer"
	"github.com/safierinx-a/led-grid-server/internal/serialctl"
	"github.com/safierinx-a/led-grid-server/internal/session"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("grid-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	b := bus.New()
	buf := initBuffer(cfg, l)
	wg.Add(1)
	go func() { defer wg.Done(); buf.Run(ctx) }()

	iface := controllers.New(b, buf, l)
	wg.Add(1)
	go func() { defer wg.Done(); iface.Run(ctx) }()

	srv := session.NewServer(
		session.WithListenAddr(cfg.listenAddr),
		session.WithBus(b),
		session.WithBuffer(buf),
		session.WithLogger(l),
		session.WithHeartbeatTimeout(cfg.heartbeatTimeout),
		session.WithMailboxBuffer(cfg.mailboxBuffer),
		session.WithMaxControllers(cfg.maxControllers),
		session.WithStatusFunc(func() any { return iface.Status() }),
	)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("ws_server_error", "error", err)
			cancel()
		}
	}()

	if cfg.serialDev != "" {
		port, err := serialctl.Open(cfg.serialDev, cfg.serialBaud, 50*time.Millisecond)
		if err != nil {
			l.Error("serial_open_error", "device", cfg.serialDev, "error", err)
			cancel()
			return
		}
		ch := serialctl.New(cfg.serialDev, port, buf, serialctl.WithLogger(l))
		wg.Add(1)
		go func() { defer wg.Done(); ch.Run(ctx) }()
	}

	if cfg.demoPattern != "" {
		gen := &producer.Generator{
			Bus:     b,
			Pattern: cfg.demoPattern,
			Width:   uint16(cfg.demoWidth),
			Height:  uint16(cfg.demoHeight),
			FPS:     cfg.demoFPS,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gen.Run(ctx); err != nil {
				l.Error("generator_error", "error", err)
			}
		}()
	}

	// Start mDNS advertisement once listener is ready.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		var portNum int
		if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready when the listener is bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn("shutdown_error", "error", err)
	}
	wg.Wait()
}
