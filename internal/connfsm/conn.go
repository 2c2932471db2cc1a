// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package connfsm implementa a máquina de estados por conexão que conduz um
// único socket de cliente através do ciclo de vida request/response de um
// protocolo estilo memcached, sobre um servidor orientado a eventos e
// não-bloqueante.
//
// O pacote não sabe nada sobre epoll, sockets reais ou o formato de wire:
// essas responsabilidades ficam com o reactor e com o Handler injetado,
// respectivamente (veja internal/reactor e internal/kvproto). connfsm
// apenas garante que leituras parciais, escritas parciais, operações
// assíncronas de back-end e requisições encadeadas no mesmo rbuf sejam
// intercaladas corretamente, sem deadlock, sem perda de bytes e sem
// wakeups espúrios.
package connfsm

import (
	"fmt"
	"io"
)

// State é um dos cinco estados possíveis de uma conexão em repouso entre
// eventos.
type State int

const (
	// StateSocketConnected: ocioso, sem trabalho pendente.
	StateSocketConnected State = iota
	// StateRecvIncomplete: o parser precisa de mais bytes.
	StateRecvIncomplete
	// StateSendIncomplete: um flush terminou em short write.
	StateSendIncomplete
	// StateBtreeIncomplete: aguardando conclusão de uma operação de
	// back-end.
	StateBtreeIncomplete
	// StateOutstandingData: rbuf contém bytes não processados prontos
	// para alimentar o parser.
	StateOutstandingData
)

func (s State) String() string {
	switch s {
	case StateSocketConnected:
		return "socket_connected"
	case StateRecvIncomplete:
		return "socket_recv_incomplete"
	case StateSendIncomplete:
		return "socket_send_incomplete"
	case StateBtreeIncomplete:
		return "btree_incomplete"
	case StateOutstandingData:
		return "outstanding_data"
	default:
		return "unknown_state"
	}
}

// Conn representa uma sessão de um único socket de cliente. É mutada
// exclusivamente pela thread/goroutine do reactor que a possui (veja
// §5 do design do núcleo); Step nunca deve ser chamado de forma
// concorrente para a mesma conexão.
type Conn struct {
	sock    Socket
	state   State
	rbuf    *rbuf
	sbuf    *sbuf
	handler Handler

	// cork suprime flushes de saída enquanto ativo, permitindo que
	// múltiplas respostas sejam coalescidas em uma única escrita.
	cork bool

	closed bool
}

// Config dimensiona os buffers de uma nova conexão.
type Config struct {
	// LinkCapacity é o tamanho de cada link do chained send buffer.
	LinkCapacity int
	// RecvCapacity é a capacidade fixa do receive buffer.
	RecvCapacity int
	// MaxPrintf é o teto de bytes para uma resposta formatada via Printf
	// antes de ser tratada como overflow fatal.
	MaxPrintf int
}

// NewConn cria uma conexão no estado inicial socket_connected, com rbuf e
// sbuf alocados para o tamanho configurado e o handler dado.
func NewConn(sock Socket, handler Handler, cfg Config) *Conn {
	return &Conn{
		sock:    sock,
		state:   StateSocketConnected,
		rbuf:    newRbuf(cfg.RecvCapacity),
		sbuf:    newSbuf(cfg.LinkCapacity, cfg.MaxPrintf),
		handler: handler,
	}
}

// State devolve o estado atual, principalmente para testes e métricas.
func (c *Conn) State() State { return c.state }

// Closed reporta se a conexão já foi destruída.
func (c *Conn) Closed() bool { return c.closed }

// Close força o teardown da conexão fora do fluxo normal de Step, usado
// pelo reactor para encerrar conexões que sobrevivem ao orçamento de
// drenagem de um shutdown gracioso. Idempotente como teardown.
func (c *Conn) Close() { c.teardown() }

// SetCork ativa ou desativa a supressão de flush da conexão.
func (c *Conn) SetCork(on bool) { c.cork = on }

// Step é o único ponto de entrada da máquina de estados: despacha pelo
// estado atual, aplica a transição resultante e, se o estado resultante for
// outstanding_data, entra no laço de drenagem para consumir requisições
// encadeadas em rbuf antes de devolver o controle ao reactor.
func (c *Conn) Step(ev Event) (StepResult, error) {
	if c.closed {
		return Invalid, ErrConnectionClosed
	}

	if ev.Kind == EventShutdown {
		c.teardown()
		return ShutdownServer, nil
	}

	var (
		res StepResult
		err error
	)

	switch c.state {
	case StateSocketConnected, StateRecvIncomplete:
		res, err = c.dispatchRecv(ev)
	case StateSendIncomplete:
		res, err = c.dispatchSend(ev)
	case StateBtreeIncomplete:
		res, err = c.dispatchBtree(ev)
	case StateOutstandingData:
		// No-op na tabela de dispatch; o laço de drenagem abaixo cuida
		// deste estado.
		res = Ok
	default:
		return Invalid, ErrInvalidTransition
	}

	if err != nil {
		c.teardown()
		if res == Invalid {
			return Invalid, err
		}
		return QuitConnection, err
	}
	if res != Ok {
		return res, nil
	}

	if c.state == StateOutstandingData {
		return c.drain()
	}
	return res, nil
}

// dispatchRecv trata socket_connected e socket_recv_incomplete: lê para
// dentro de rbuf.
func (c *Conn) dispatchRecv(ev Event) (StepResult, error) {
	if ev.Kind != EventSocket {
		return Invalid, ErrInvalidTransition
	}

	wasRecvIncomplete := c.state == StateRecvIncomplete

	_, rerr := c.rbuf.fill(c.sock)
	switch {
	case rerr == ErrWouldBlock:
		if c.rbuf.empty() && !wasRecvIncomplete {
			// Seria um connection idle: troca os buffers por novos e
			// vazios e volta para um idle limpo.
			c.freeBuffers()
			c.state = StateSocketConnected
			return Ok, nil
		}
		// Permanece, efetivamente socket_connected (ou recv_incomplete),
		// aguardando o próximo evento de leitura.
		return Ok, nil
	case rerr == io.EOF:
		c.teardown()
		if wasRecvIncomplete {
			return NoData, nil
		}
		return QuitConnection, nil
	case rerr != nil:
		c.teardown()
		return QuitConnection, fmt.Errorf("connfsm: fatal read error: %w", rerr)
	default:
		c.state = StateOutstandingData
		return Ok, nil
	}
}

// dispatchSend trata socket_send_incomplete: reentra no flush em um evento
// de escrita pronta.
func (c *Conn) dispatchSend(ev Event) (StepResult, error) {
	if ev.Kind != EventSocket || !ev.Direction.Writable() {
		return Invalid, ErrInvalidTransition
	}

	drained, err := c.sbuf.flush(c.sock)
	if err != nil {
		c.teardown()
		return QuitConnection, err
	}
	if drained {
		c.sbuf.collect()
		c.state = StateOutstandingData
	}
	return Ok, nil
}

// dispatchBtree trata btree_incomplete: ignora eventos de socket (dando
// back-pressure de single-inflight) e processa a conclusão do back-end.
func (c *Conn) dispatchBtree(ev Event) (StepResult, error) {
	switch ev.Kind {
	case EventSocket:
		// Recusa aceitar mais input enquanto uma operação de back-end está
		// pendente.
		return Ok, nil
	case EventRequestComplete:
		if err := c.sendMsgToClient(); err != nil {
			c.teardown()
			return QuitConnection, err
		}
		return Ok, nil
	default:
		return Invalid, ErrInvalidTransition
	}
}

// drain é o laço pós-dispatch que consome requisições encadeadas em rbuf
// enquanto o estado permanecer outstanding_data/recv_incomplete.
func (c *Conn) drain() (StepResult, error) {
	for {
		if c.state == StateOutstandingData && c.rbuf.empty() {
			_, rerr := c.rbuf.fill(c.sock)
			switch {
			case rerr == ErrWouldBlock:
				return Ok, nil
			case rerr == io.EOF:
				c.teardown()
				return QuitConnection, nil
			case rerr != nil:
				c.teardown()
				return QuitConnection, fmt.Errorf("connfsm: fatal read error: %w", rerr)
			}
			// Caiu aqui: chegaram dados, segue para o parse.
		}

		if c.state != StateOutstandingData && c.state != StateRecvIncomplete {
			return Ok, nil
		}

		switch verdict := c.parseOnce(); verdict {
		case Malformed:
			// Resposta de erro já preparada pelo handler; segue para a
			// próxima requisição (pode ser válida).
			c.state = StateOutstandingData

		case PartialPacket:
			c.state = StateRecvIncomplete
			if c.rbuf.full() {
				c.teardown()
				return QuitConnection, ErrRequestTooLarge
			}
			_, rerr := c.rbuf.fill(c.sock)
			switch {
			case rerr == ErrWouldBlock:
				return Ok, nil
			case rerr == io.EOF:
				c.teardown()
				return NoData, nil
			case rerr != nil:
				c.teardown()
				return QuitConnection, fmt.Errorf("connfsm: fatal read error: %w", rerr)
			}

		case Quit:
			c.teardown()
			return QuitConnection, nil

		case Shutdown:
			c.teardown()
			return ShutdownServer, nil

		case Complex:
			c.state = StateBtreeIncomplete
			return Ok, nil

		case Parallelizable:
			// O handler já satisfez a operação inline, ou despachou
			// trabalho que não terá callback de conclusão; o laço
			// continua para drenar eventuais requisições encadeadas
			// restantes em rbuf.
			c.state = StateOutstandingData

		case SendNow:
			if err := c.sendMsgToClient(); err != nil {
				c.teardown()
				return QuitConnection, err
			}
			// sendMsgToClient já deixou o estado em outstanding_data
			// (flush completo) ou send_incomplete (short write); o laço
			// continua e a checagem do topo decide se há mais trabalho.

		default:
			c.teardown()
			return Invalid, ErrInvalidTransition
		}
	}
}

// sendMsgToClient aplica o cork e, se desativado, faz flush do sbuf,
// coletando links drenados e atualizando o estado conforme o resultado.
func (c *Conn) sendMsgToClient() error {
	if c.cork {
		return nil
	}
	drained, err := c.sbuf.flush(c.sock)
	if err != nil {
		return err
	}
	if drained {
		c.sbuf.collect()
		c.state = StateOutstandingData
	} else {
		c.state = StateSendIncomplete
	}
	return nil
}

func (c *Conn) parseOnce() Verdict {
	view := c.rbuf.view()
	out := &sbufAppender{s: c.sbuf}
	return c.handler.ParseRequest(view, c.rbuf.consume, out)
}

// freeBuffers troca rbuf e sbuf por buffers novos e vazios, com as mesmas
// capacidades, para uma conexão que ficou ociosa. Os buffers novos são
// alocados na hora, não na próxima atividade: a conexão ociosa continua
// retendo um rbuf e um link de sbuf de tamanho cheio. Apenas o caminho
// would-block-com-rbuf-vazio a partir de socket_connected aciona isto;
// outros caminhos de ociosidade não trocam os buffers (ver notas de design
// do núcleo).
func (c *Conn) freeBuffers() {
	// Mantém as capacidades originais.
	c.rbuf = newRbuf(c.rbuf.capacity())
	c.sbuf = newSbuf(c.sbuf.linkCap, c.sbuf.maxPrintf)
}

// teardown libera, em ordem, o socket, o handler, a cadeia de envio e o
// buffer de recepção. Idempotente: pode ser chamado múltiplas vezes com
// segurança, garantindo liberação única mesmo em caminhos de saída
// concorrentes de erro.
func (c *Conn) teardown() {
	if c.closed {
		return
	}
	c.closed = true
	if c.sock != nil {
		_ = c.sock.Close()
	}
	c.handler = nil
	c.sbuf = nil
	c.rbuf = nil
}

// sbufAppender adapta *sbuf à interface Appender exposta aos handlers.
type sbufAppender struct {
	s *sbuf
}

func (a *sbufAppender) Append(p []byte) error {
	return a.s.append(p)
}

func (a *sbufAppender) Printf(format string, args ...interface{}) error {
	return a.s.printf(format, args...)
}
