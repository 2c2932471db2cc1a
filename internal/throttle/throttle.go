// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package throttle aplica um limite de taxa sobre as leituras de socket que
// o reactor concede às conexões, usando um token bucket de
// golang.org/x/time/rate. O reactor recebe um único Limiter, cujo bucket é
// compartilhado por todas as suas conexões; não há bucket por conexão.
package throttle

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Config dimensiona o limitador. Burst deve acomodar ao menos um rbuf
// cheio, senão conexões legítimas de rajada curta sofreriam atraso
// artificial logo na primeira leitura.
type Config struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

// Limiter decide se o reactor pode prosseguir com a próxima leitura de
// socket agora ou deve adiar. Cada chamada consome do mesmo bucket,
// qualquer que seja a conexão.
type Limiter struct {
	enabled bool
	lim     *rate.Limiter
}

// New cria um Limiter conforme cfg. Quando cfg.Enabled é false, Allow
// sempre devolve true e Wait nunca bloqueia — o throttle fica
// completamente fora do caminho quente.
func New(cfg Config) *Limiter {
	if !cfg.Enabled {
		return &Limiter{enabled: false}
	}
	return &Limiter{
		enabled: true,
		lim:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// Allow reporta se um evento pode prosseguir agora, consumindo um token em
// caso afirmativo. Usado pelo reactor antes de conceder um fill a uma
// conexão marcada como socket_connected/recv_incomplete.
func (l *Limiter) Allow() bool {
	if !l.enabled {
		return true
	}
	return l.lim.Allow()
}

// Reserve devolve o atraso que o chamador deveria esperar antes da próxima
// leitura, sem bloquear — o reactor usa isto para reagendar a conexão num
// timer em vez de travar a goroutine única do event loop.
func (l *Limiter) Reserve() time.Duration {
	if !l.enabled {
		return 0
	}
	r := l.lim.Reserve()
	if !r.OK() {
		return 0
	}
	return r.Delay()
}

// Wait bloqueia até que um token esteja disponível ou ctx seja cancelado.
// Reservado para contextos fora do event loop único (ex: testes e
// ferramentas administrativas), nunca chamado pelo reactor em si.
func (l *Limiter) Wait(ctx context.Context) error {
	if !l.enabled {
		return nil
	}
	return l.lim.Wait(ctx)
}
