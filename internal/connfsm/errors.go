// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package connfsm

import "errors"

// Erros fatais do núcleo. Would-block nunca aparece aqui: é controle de
// fluxo, não erro, e é representado pelos verdicts de Step/flush.
var (
	// ErrRequestTooLarge é retornado quando um parse_request reporta
	// partial_packet com o rbuf já cheio: a requisição não cabe de jeito
	// nenhum no buffer configurado.
	ErrRequestTooLarge = errors.New("connfsm: request too large for receive buffer")

	// ErrAllocExhausted sinaliza falha ao alocar um novo link no chained
	// send buffer.
	ErrAllocExhausted = errors.New("connfsm: send buffer allocation exhausted")

	// ErrInvalidTransition sinaliza violação de invariante: um evento
	// chegou em um estado onde não poderia, ou o handler devolveu um
	// verdict desconhecido. Denota um bug no FSM ou no handler, não um
	// erro de dados do cliente.
	ErrInvalidTransition = errors.New("connfsm: invalid state transition")

	// ErrConnectionClosed é retornado por operações chamadas após a
	// conexão já ter sido destruída.
	ErrConnectionClosed = errors.New("connfsm: connection already closed")
)
