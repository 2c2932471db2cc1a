// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package health relata periodicamente a saúde do servidor: métricas de
// host via gopsutil e contadores operacionais do próprio kvserver
// (conexões ativas, tamanho do store).
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats é a fotografia mais recente coletada pelo Monitor.
type Stats struct {
	CPUPercent    float64
	MemoryPercent float64
	LoadAverage   float64
	ActiveConns   int
	StoreKeys     int
}

// Counters é a fonte dos contadores operacionais que o Monitor não
// consegue obter sozinho — injetada pelo que possui o reactor e o store.
type Counters struct {
	ActiveConns func() int
	StoreKeys   func() int
}

// Monitor coleta estatísticas de host e operacionais em intervalos
// regulares e as registra no logger estruturado do servidor.
type Monitor struct {
	logger   *slog.Logger
	interval time.Duration
	counters Counters

	close chan struct{}
	wg    sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// New monta um Monitor. interval <= 0 recebe o padrão de 15s.
func New(logger *slog.Logger, interval time.Duration, counters Counters) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		logger:   logger.With("component", "health_monitor"),
		interval: interval,
		counters: counters,
		close:    make(chan struct{}),
	}
}

// Start inicia a coleta periódica numa goroutine dedicada.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop encerra a coleta e aguarda a goroutine terminar.
func (m *Monitor) Stop() {
	close(m.close)
	m.wg.Wait()
}

// Stats devolve a última fotografia coletada.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	stats := Stats{}

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		m.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		m.logger.Debug("failed to collect memory stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		m.logger.Debug("failed to collect load stats", "error", err)
	}

	if m.counters.ActiveConns != nil {
		stats.ActiveConns = m.counters.ActiveConns()
	}
	if m.counters.StoreKeys != nil {
		stats.StoreKeys = m.counters.StoreKeys()
	}

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()

	m.logger.Info("health snapshot",
		"cpu_percent", stats.CPUPercent,
		"memory_percent", stats.MemoryPercent,
		"load1", stats.LoadAverage,
		"active_conns", stats.ActiveConns,
		"store_keys", stats.StoreKeys,
	)
}
