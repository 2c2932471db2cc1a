// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server conecta o núcleo de conexões, o protocolo de wire, o motor
// de armazenamento e a pilha operacional ambiente num processo kvserver
// executável.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kvbroker/kvserver/internal/config"
	"github.com/kvbroker/kvserver/internal/connfsm"
	"github.com/kvbroker/kvserver/internal/health"
	"github.com/kvbroker/kvserver/internal/kvproto"
	"github.com/kvbroker/kvserver/internal/kvstore"
	"github.com/kvbroker/kvserver/internal/reactor"
	"github.com/kvbroker/kvserver/internal/throttle"
)

// Run inicia o kvserver e bloqueia até ctx ser cancelado, o comando
// administrativo "shutdown" do protocolo ser recebido em alguma conexão, ou
// ocorrer um erro de inicialização irrecuperável.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	store := kvstore.New(kvstore.Config{
		Degree:       cfg.Store.Degree,
		AsyncWorkers: cfg.Store.AsyncWorkers,
	})
	defer store.Close()

	var snapshotter *kvstore.Snapshotter
	if cfg.Store.SnapshotDir != "" {
		s, err := kvstore.NewSnapshotter(store, kvstore.SnapshotConfig{
			Dir:      cfg.Store.SnapshotDir,
			CronSpec: cfg.Store.SnapshotCron,
			S3Bucket: cfg.Store.SnapshotS3Bucket,
			S3Prefix: cfg.Store.SnapshotS3Prefix,
		}, logger.With("component", "snapshotter"))
		if err != nil {
			return fmt.Errorf("server: building snapshotter: %w", err)
		}
		if err := s.Start(); err != nil {
			return fmt.Errorf("server: starting snapshot cron: %w", err)
		}
		defer s.Stop(ctx)
		snapshotter = s
	}

	limiter := throttle.New(throttle.Config{
		Enabled:           cfg.Throttle.Enabled,
		RequestsPerSecond: cfg.Throttle.RequestsPerSecond,
		Burst:             cfg.Throttle.Burst,
	})

	connCfg := connfsm.Config{
		LinkCapacity: cfg.Buffers.LinkSizeRaw,
		RecvCapacity: cfg.Buffers.RecvSizeRaw,
		MaxPrintf:    cfg.Buffers.MaxPrintfRaw,
	}

	newHandler := func(post func(fn func())) connfsm.Handler {
		return kvproto.NewHandler(store, snapshotter, cfg.Store.CompressAboveRaw, post)
	}

	rx, err := reactor.New(logger, connCfg, limiter, newHandler)
	if err != nil {
		return fmt.Errorf("server: building reactor: %w", err)
	}

	monitor := health.New(logger, cfg.Health.ReportInterval, health.Counters{
		ActiveConns: rx.ActiveConns,
		StoreKeys:   store.Len,
	})
	monitor.Start()
	defer monitor.Stop()

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-rx.ShutdownRequested():
			logger.Info("shutdown requested by client command")
			cancel()
		case <-serveCtx.Done():
		}
	}()

	logger.Info("kvserver starting", "address", cfg.Server.Listen)
	if err := rx.Serve(serveCtx, cfg.Server.Listen, cfg.Timeouts.ShutdownDrain); err != nil {
		return fmt.Errorf("server: reactor exited: %w", err)
	}
	return nil
}
