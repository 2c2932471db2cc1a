// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração do kvserver a partir de YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig representa a configuração completa do kvserver.
type ServerConfig struct {
	Server   ServerListen  `yaml:"server"`
	Buffers  BuffersConfig `yaml:"buffers"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Store    StoreConfig   `yaml:"store"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Health   HealthConfig  `yaml:"health"`
	Logging  LoggingInfo   `yaml:"logging"`
}

// ServerListen contém o endereço de escuta do server.
type ServerListen struct {
	Listen string `yaml:"listen"`
}

// BuffersConfig dimensiona o par rbuf/sbuf de cada conexão.
type BuffersConfig struct {
	// LinkSize é a capacidade de cada link do chained send buffer.
	// Aceita sufixos: kb, mb. Default: "4kb".
	LinkSize string `yaml:"link_size"`
	// RecvSize é a capacidade do receive buffer; uma requisição (linha de
	// comando + dados inline) precisa caber inteira abaixo deste teto.
	// Default: "16kb".
	RecvSize string `yaml:"recv_size"`
	// MaxPrintf é o tamanho máximo de uma resposta formatada via printf antes
	// de ser tratado como overflow fatal. Default: "8kb".
	MaxPrintf string `yaml:"max_printf"`

	LinkSizeRaw  int `yaml:"-"`
	RecvSizeRaw  int `yaml:"-"`
	MaxPrintfRaw int `yaml:"-"`
}

// TimeoutConfig contém timeouts de idle e drenagem de shutdown. Só
// ShutdownDrain é consultado (pelo reactor); Idle recebe default mas nenhum
// componente o lê, e conexões ociosas não são derrubadas por tempo.
type TimeoutConfig struct {
	Idle           time.Duration `yaml:"idle"`           // default: 90s
	ShutdownDrain  time.Duration `yaml:"shutdown_drain"` // default: 5s
}

// StoreConfig configura o backend B-tree e sua persistência assíncrona.
type StoreConfig struct {
	// Degree é o grau da B-tree (itens por nó interno). Default: 32.
	Degree int `yaml:"degree"`
	// AsyncWorkers é o tamanho do pool que executa operações *complex*
	// (set/delete) fora da goroutine do reactor. Default: 4.
	AsyncWorkers int `yaml:"async_workers"`
	// CompressAbove é o limiar (bytes) acima do qual valores são comprimidos
	// com zstd antes de entrar na árvore. Default: "4kb".
	CompressAbove    string `yaml:"compress_above"`
	CompressAboveRaw int    `yaml:"-"`
	// SnapshotCron é a expressão robfig/cron usada para disparar snapshots
	// periódicos do store. Default: "@every 5m".
	SnapshotCron string `yaml:"snapshot_cron"`
	// SnapshotDir é o diretório onde snapshots .jsonl.gz são gravados.
	SnapshotDir string `yaml:"snapshot_dir"`
	// SnapshotS3Bucket, se definido, faz upload do snapshot mais recente
	// para este bucket via aws-sdk-go-v2/service/s3 após cada gravação local.
	SnapshotS3Bucket string `yaml:"snapshot_s3_bucket"`
	SnapshotS3Prefix string `yaml:"snapshot_s3_prefix"`
}

// ThrottleConfig configura o token bucket (golang.org/x/time/rate) que o
// reactor consulta antes de leituras; um único bucket é compartilhado por
// todas as conexões do reactor.
type ThrottleConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // default: 2000
	Burst             int     `yaml:"burst"`               // default: 4000
}

// HealthConfig configura o relatório periódico de métricas de host.
type HealthConfig struct {
	ReportInterval time.Duration `yaml:"report_interval"` // default: 15s
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadServerConfig lê e valida o arquivo YAML de configuração do server.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

// Validate preenche defaults e rejeita configurações inconsistentes.
// Segue o mesmo padrão do teacher: defaults são aplicados aqui, nunca no
// unmarshal, e campos *Raw derivados nunca vêm do YAML.
func (c *ServerConfig) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	if c.Buffers.LinkSize == "" {
		c.Buffers.LinkSize = "4kb"
	}
	linkSize, err := ParseByteSize(c.Buffers.LinkSize)
	if err != nil {
		return fmt.Errorf("buffers.link_size: %w", err)
	}
	if linkSize <= 0 {
		return fmt.Errorf("buffers.link_size must be > 0")
	}
	c.Buffers.LinkSizeRaw = int(linkSize)

	if c.Buffers.RecvSize == "" {
		c.Buffers.RecvSize = "16kb"
	}
	recvSize, err := ParseByteSize(c.Buffers.RecvSize)
	if err != nil {
		return fmt.Errorf("buffers.recv_size: %w", err)
	}
	if recvSize <= 0 {
		return fmt.Errorf("buffers.recv_size must be > 0")
	}
	c.Buffers.RecvSizeRaw = int(recvSize)

	if c.Buffers.MaxPrintf == "" {
		c.Buffers.MaxPrintf = "8kb"
	}
	maxPrintf, err := ParseByteSize(c.Buffers.MaxPrintf)
	if err != nil {
		return fmt.Errorf("buffers.max_printf: %w", err)
	}
	c.Buffers.MaxPrintfRaw = int(maxPrintf)

	if c.Timeouts.Idle <= 0 {
		c.Timeouts.Idle = 90 * time.Second
	}
	if c.Timeouts.ShutdownDrain <= 0 {
		c.Timeouts.ShutdownDrain = 5 * time.Second
	}

	if c.Store.Degree <= 0 {
		c.Store.Degree = 32
	}
	if c.Store.AsyncWorkers <= 0 {
		c.Store.AsyncWorkers = 4
	}
	if c.Store.CompressAbove == "" {
		c.Store.CompressAbove = "4kb"
	}
	compressAbove, err := ParseByteSize(c.Store.CompressAbove)
	if err != nil {
		return fmt.Errorf("store.compress_above: %w", err)
	}
	c.Store.CompressAboveRaw = int(compressAbove)
	if c.Store.SnapshotCron == "" {
		c.Store.SnapshotCron = "@every 5m"
	}

	if c.Throttle.Enabled {
		if c.Throttle.RequestsPerSecond <= 0 {
			c.Throttle.RequestsPerSecond = 2000
		}
		if c.Throttle.Burst <= 0 {
			c.Throttle.Burst = 4000
		}
	}

	if c.Health.ReportInterval <= 0 {
		c.Health.ReportInterval = 15 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "16kb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto para evitar que
	// "mb" combine parcialmente com "b".
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
