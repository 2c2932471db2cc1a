// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build linux

// Package reactor implementa o laço de eventos epoll não-bloqueante que
// comanda internal/connfsm.Conn de ponta a ponta. O núcleo da conexão trata
// isso como um colaborador externo: nunca importa detalhes internos do
// connfsm, e o connfsm nunca importa este pacote.
//
// Um Reactor possui uma instância epoll e roda seu loop de accept, o
// despacho de prontidão e a entrega de completions cross-thread a partir de
// uma única goroutine, respeitando o modelo de posse single-threaded e
// run-to-completion do núcleo: Step nunca é reentrante para a mesma conexão,
// e uma completion do motor de armazenamento vinda de uma goroutine do
// worker pool nunca é despachada inline — ela é enfileirada e o loop é
// acordado por um self-pipe, sendo drenada na própria goroutine do reactor.
package reactor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kvbroker/kvserver/internal/connfsm"
	"github.com/kvbroker/kvserver/internal/throttle"
)

// HandlerFactory constrói o connfsm.Handler vinculado a uma conexão aceita.
// post é o callback que o handler deve invocar — a partir de qualquer
// goroutine — para entregar um evento de request_complete de volta na
// goroutine do próprio reactor; veja o contrato de internal/kvproto.Handler
// para a obrigação completa.
type HandlerFactory func(post func(fn func())) connfsm.Handler

type entry struct {
	fd        int
	addr      string
	conn      *connfsm.Conn
	wantWrite bool
}

// posted é uma unidade de trabalho cross-thread: pre (se não-nil) roda
// primeiro na goroutine do reactor, e então ev é entregue ao Step da
// conexão dona do fd.
type posted struct {
	fd  int
	pre func()
	ev  connfsm.Event
}

// Reactor comanda uma população de conexões a partir de uma única goroutine
// via epoll_wait. As conexões ficam num registro intrusivo indexado por
// file descriptor em vez de um sync.Map, já que só a goroutine do reactor o
// toca — o único campo compartilhado entre goroutines é a fila de eventos
// postados, protegida por mu.
type Reactor struct {
	logger     *slog.Logger
	cfg        connfsm.Config
	limiter    *throttle.Limiter
	newHandler HandlerFactory

	epfd  int
	wakeR int
	wakeW int

	listenFD   int
	listenFile *os.File

	conns map[int]*entry

	mu    sync.Mutex
	queue []posted

	shutdownSig chan struct{}

	// ready recebe o endereço efetivamente vinculado exatamente uma vez,
	// logo após Serve terminar de escutar. Bufferizado para Serve nunca
	// bloquear contra um chamador que não está observando (ex.: chamadores
	// de produção que já conhecem a porta configurada); os testes usam para
	// descobrir uma porta efêmera ":0".
	ready chan net.Addr
}

// New cria uma instância epoll e seu pipe de wake-up, mas não começa a
// aceitar conexões; chame Serve para vincular o endereço e rodar o loop.
func New(logger *slog.Logger, cfg connfsm.Config, limiter *throttle.Limiter, newHandler HandlerFactory) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	var pipeFDs [2]int
	if err := unix.Pipe2(pipeFDs[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("reactor: pipe2: %w", err)
	}

	r := &Reactor{
		logger:      logger.With("component", "reactor"),
		cfg:         cfg,
		limiter:     limiter,
		newHandler:  newHandler,
		epfd:        epfd,
		wakeR:       pipeFDs[0],
		wakeW:       pipeFDs[1],
		listenFD:    -1,
		conns:       make(map[int]*entry),
		shutdownSig: make(chan struct{}, 1),
		ready:       make(chan net.Addr, 1),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.wakeR, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(r.wakeR)}); err != nil {
		r.closeFDs()
		return nil, fmt.Errorf("reactor: registering wake pipe: %w", err)
	}

	return r, nil
}

// ActiveConns informa o número de conexões atualmente registradas, para o
// snapshot periódico de internal/health.
func (r *Reactor) ActiveConns() int {
	return len(r.conns)
}

// ShutdownRequested dispara quando o handler de alguma conexão retornou o
// veredito Shutdown (comando administrativo "shutdown" do protocolo).
// O chamador (internal/server.Run) cancela seu contexto em resposta, o que
// inicia a sequência de drenagem descrita em Serve.
func (r *Reactor) ShutdownRequested() <-chan struct{} {
	return r.shutdownSig
}

// Ready informa o endereço que Serve de fato vinculou, uma única vez. Útil
// principalmente para testes que vinculam uma porta efêmera ":0" e precisam
// descobri-la.
func (r *Reactor) Ready() <-chan net.Addr {
	return r.ready
}

// Post enfileira fn para rodar na goroutine do reactor, imediatamente
// seguido por um EventRequestComplete entregue à conexão dona do fd. Seguro
// para chamar de qualquer goroutine — este é o único ponto de entrada
// cross-thread no reactor, e a razão de existir o wake pipe.
func (r *Reactor) Post(fd int, fn func()) {
	r.enqueue(posted{fd: fd, pre: fn, ev: connfsm.Event{Kind: connfsm.EventRequestComplete}})
}

func (r *Reactor) enqueue(p posted) {
	r.mu.Lock()
	r.queue = append(r.queue, p)
	r.mu.Unlock()
	var b [1]byte
	_, _ = unix.Write(r.wakeW, b[:])
}

func (r *Reactor) drainQueue() []posted {
	r.mu.Lock()
	q := r.queue
	r.queue = nil
	r.mu.Unlock()
	return q
}

// Serve vincula addr e roda o loop epoll até ctx ser cancelado. No
// cancelamento, para de aceitar novas conexões imediatamente, mas continua
// atendendo as existentes — deixando ops complexas em andamento postarem
// sua completion e flushes pendentes drenarem — por até shutdownDrain antes
// de forçar o teardown de quaisquer conexões remanescentes e retornar.
func (r *Reactor) Serve(ctx context.Context, addr string, shutdownDrain time.Duration) error {
	if err := r.listen(addr); err != nil {
		return err
	}
	defer r.closeFDs()

	r.logger.Info("reactor listening", "address", addr)

	events := make([]unix.EpollEvent, 256)
	var drainDeadline time.Time

	for {
		if ctx.Err() != nil && drainDeadline.IsZero() {
			r.stopAccepting()
			drainDeadline = time.Now().Add(shutdownDrain)
			r.logger.Info("reactor draining before shutdown",
				"active_conns", len(r.conns), "drain_budget", shutdownDrain)
		}
		if !drainDeadline.IsZero() {
			if len(r.conns) == 0 || !time.Now().Before(drainDeadline) {
				r.teardownAll()
				r.logger.Info("reactor shut down")
				return nil
			}
		}

		n, err := unix.EpollWait(r.epfd, events, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case r.wakeR:
				r.drainWake()
			case r.listenFD:
				r.acceptAll()
			default:
				r.handleReady(fd, events[i].Events)
			}
		}
	}
}

func (r *Reactor) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	for _, p := range r.drainQueue() {
		e, ok := r.conns[p.fd]
		if !ok {
			// A conexão foi derrubada antes de sua completion chegar; o
			// contrato com o back-end exige descarte silencioso aqui, não erro.
			continue
		}
		if p.pre != nil {
			p.pre()
		}
		r.dispatch(e, p.ev)
	}
}

func (r *Reactor) acceptAll() {
	for {
		nfd, sa, err := unix.Accept4(r.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.ECONNABORTED, unix.EINTR:
				continue
			default:
				r.logger.Error("accept4 failed", "error", err)
				return
			}
		}
		r.registerConn(nfd, sa)
	}
}

func (r *Reactor) registerConn(fd int, sa unix.Sockaddr) {
	e := &entry{fd: fd, addr: sockaddrString(sa)}
	sock := newFDSocket(fd)
	handler := r.newHandler(func(fn func()) { r.Post(fd, fn) })
	e.conn = connfsm.NewConn(sock, handler, r.cfg)

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		r.logger.Error("epoll_ctl add failed", "error", err, "fd", fd)
		_ = unix.Close(fd)
		return
	}
	r.conns[fd] = e
	r.logger.Debug("accepted connection", "fd", fd, "remote_addr", e.addr)
}

func (r *Reactor) handleReady(fd int, mask uint32) {
	e, ok := r.conns[fd]
	if !ok {
		return
	}

	if mask&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.teardown(e)
		return
	}

	if mask&unix.EPOLLIN != 0 && !e.wantWrite && r.limiter != nil && !r.limiter.Allow() {
		delay := r.limiter.Reserve()
		time.AfterFunc(delay, func() {
			r.enqueue(posted{fd: fd, ev: connfsm.Event{Kind: connfsm.EventSocket, Direction: connfsm.DirRead}})
		})
		return
	}

	var dir connfsm.Direction
	if mask&unix.EPOLLIN != 0 {
		dir |= connfsm.DirRead
	}
	if mask&unix.EPOLLOUT != 0 {
		dir |= connfsm.DirWrite
	}
	r.dispatch(e, connfsm.Event{Kind: connfsm.EventSocket, Direction: dir})
}

func (r *Reactor) dispatch(e *entry, ev connfsm.Event) {
	res, err := e.conn.Step(ev)
	if err != nil {
		r.logger.Debug("connection ended with error", "fd", e.fd, "remote_addr", e.addr, "error", err)
	}

	switch res {
	case connfsm.QuitConnection, connfsm.NoData:
		r.teardown(e)
		return
	case connfsm.Invalid:
		r.logger.Error("connection FSM invariant violation, dropping connection",
			"fd", e.fd, "remote_addr", e.addr, "state", e.conn.State())
		r.teardown(e)
		return
	case connfsm.ShutdownServer:
		r.teardown(e)
		select {
		case r.shutdownSig <- struct{}{}:
		default:
		}
		return
	}

	r.syncInterest(e)
}

// syncInterest rearma EPOLLOUT no fd da conexão somente enquanto ela de
// fato espera uma escrita curta terminar, para que uma conexão ociosa em
// regime permanente nunca gire o loop sobre um socket sempre gravável.
func (r *Reactor) syncInterest(e *entry) {
	wantWrite := e.conn.State() == connfsm.StateSendIncomplete
	if wantWrite == e.wantWrite {
		return
	}
	e.wantWrite = wantWrite

	mask := uint32(unix.EPOLLIN)
	if wantWrite {
		mask |= unix.EPOLLOUT
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, e.fd, &unix.EpollEvent{Events: mask, Fd: int32(e.fd)}); err != nil {
		r.logger.Error("epoll_ctl mod failed", "error", err, "fd", e.fd)
	}
}

func (r *Reactor) teardown(e *entry) {
	if _, ok := r.conns[e.fd]; !ok {
		return
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, e.fd, nil)
	delete(r.conns, e.fd)
	e.conn.Close()
	r.logger.Debug("connection closed", "fd", e.fd, "remote_addr", e.addr)
}

func (r *Reactor) teardownAll() {
	for _, e := range r.conns {
		r.teardown(e)
	}
}

func (r *Reactor) stopAccepting() {
	if r.listenFD < 0 {
		return
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, r.listenFD, nil)
	_ = r.listenFile.Close()
	r.listenFD = -1
}

func (r *Reactor) listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("reactor: listen %s: %w", addr, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("reactor: %s did not resolve to a TCP listener", addr)
	}

	// File() duplica o fd para um os.File em modo bloqueante e o desacopla
	// do listener; conduzimos essa duplicata nós mesmos via epoll em vez do
	// netpoller do runtime, então o listener original não é mais necessário
	// assim que o dup tiver sucesso.
	boundAddr := tcpLn.Addr()
	file, err := tcpLn.File()
	_ = tcpLn.Close()
	if err != nil {
		return fmt.Errorf("reactor: duplicating listener fd: %w", err)
	}

	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = file.Close()
		return fmt.Errorf("reactor: set nonblock on listener: %w", err)
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		_ = file.Close()
		return fmt.Errorf("reactor: registering listener: %w", err)
	}

	r.listenFD = fd
	r.listenFile = file
	select {
	case r.ready <- boundAddr:
	default:
	}
	return nil
}

func (r *Reactor) closeFDs() {
	if r.listenFile != nil {
		_ = r.listenFile.Close()
	}
	_ = unix.Close(r.wakeR)
	_ = unix.Close(r.wakeW)
	_ = unix.Close(r.epfd)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3], v.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", v.Addr, v.Port)
	default:
		return "unknown"
	}
}
