// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package kvproto

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/kvbroker/kvserver/internal/connfsm"
	"github.com/kvbroker/kvserver/internal/kvstore"
)

// Handler liga o subconjunto de texto do memcached ao núcleo connfsm,
// usando um kvstore.Store como back-end.
//
// Contrato de post: set/delete/snapshot despacham trabalho para fora da
// goroutine do reactor (pool de workers do Store, ou uma goroutine avulsa
// para snapshot) e devolvem connfsm.Complex. Quando o trabalho termina —
// potencialmente numa goroutine diferente — o callback de conclusão chama
// h.post(fn), e é responsabilidade de quem injetou post (o reactor) (a)
// executar fn na sua única goroutine, o que deixa a resposta pronta no
// sbuf via o Appender capturado no momento do parse, e (b) imediatamente
// em seguida entregar um connfsm.Event{Kind: EventRequestComplete} para a
// mesma conexão. O Appender permanece válido entre as duas chamadas porque
// envolve o sbuf da conexão, que não é trocado enquanto a conexão está em
// btree_incomplete (só o caminho ocioso de socket_connected o troca, e o
// teardown o descarta).
type Handler struct {
	store         *kvstore.Store
	snapshot      *kvstore.Snapshotter
	codec         *codec
	compressAbove int
	post          func(fn func())
	version       string
}

// NewHandler monta um Handler. post é o callback injetado pelo reactor que
// serializa trabalho de volta na goroutine dona da conexão; ver o
// comentário de Handler para o contrato completo. snapshot pode ser nil
// quando nenhum diretório de snapshot foi configurado, caso em que o
// comando administrativo "snapshot" responde com erro.
func NewHandler(store *kvstore.Store, snapshot *kvstore.Snapshotter, compressAbove int, post func(fn func())) *Handler {
	return &Handler{
		store:         store,
		snapshot:      snapshot,
		codec:         newCodec(),
		compressAbove: compressAbove,
		post:          post,
		version:       "kvserver 1.0",
	}
}

// ParseRequest implementa connfsm.Handler.
func (h *Handler) ParseRequest(view []byte, consumeFn func(n int), out connfsm.Appender) connfsm.Verdict {
	idx := bytes.Index(view, []byte(crlf))
	if idx < 0 {
		return connfsm.PartialPacket
	}
	lineLen := idx + len(crlf)
	fields := strings.Fields(string(view[:idx]))
	if len(fields) == 0 {
		consumeFn(lineLen)
		writeError(out)
		return connfsm.Malformed
	}

	switch fields[0] {
	case "get":
		return h.handleGet(fields, lineLen, consumeFn, out)
	case "set":
		return h.handleSet(fields, view, idx, lineLen, consumeFn, out)
	case "delete":
		return h.handleDelete(fields, lineLen, consumeFn, out)
	case "quit":
		consumeFn(lineLen)
		return connfsm.Quit
	case "shutdown":
		consumeFn(lineLen)
		return connfsm.Shutdown
	case "version":
		consumeFn(lineLen)
		if err := out.Printf("VERSION %s\r\n", h.version); err != nil {
			return connfsm.Malformed
		}
		return connfsm.SendNow
	case "stats":
		consumeFn(lineLen)
		if err := out.Printf("STAT curr_items %d\r\nEND\r\n", h.store.Len()); err != nil {
			return connfsm.Malformed
		}
		return connfsm.SendNow
	case "snapshot":
		consumeFn(lineLen)
		return h.handleSnapshot(out)
	default:
		consumeFn(lineLen)
		writeError(out)
		return connfsm.Malformed
	}
}

func (h *Handler) handleGet(fields []string, lineLen int, consumeFn func(int), out connfsm.Appender) connfsm.Verdict {
	if len(fields) != 2 {
		consumeFn(lineLen)
		writeError(out)
		return connfsm.Malformed
	}
	consumeFn(lineLen)

	stored, _, found := h.store.Get(fields[1])
	if !found {
		if err := out.Append([]byte("END\r\n")); err != nil {
			return connfsm.Malformed
		}
		return connfsm.SendNow
	}

	value, err := h.codec.unpackValue(stored)
	if err != nil {
		writeError(out)
		return connfsm.Malformed
	}
	if err := out.Printf("VALUE %s 0 %d\r\n", fields[1], len(value)); err != nil {
		return connfsm.Malformed
	}
	if err := out.Append(value); err != nil {
		return connfsm.Malformed
	}
	if err := out.Append([]byte("\r\nEND\r\n")); err != nil {
		return connfsm.Malformed
	}
	return connfsm.SendNow
}

// handleSet exige que o corpo inteiro (bytes declarados mais o \r\n final)
// já esteja em view; se não estiver, devolve PartialPacket sem consumir
// nada, deixando a linha de cabeçalho para ser reexaminada quando mais
// dados chegarem.
func (h *Handler) handleSet(fields []string, view []byte, idx, lineLen int, consumeFn func(int), out connfsm.Appender) connfsm.Verdict {
	if len(fields) != 5 {
		consumeFn(lineLen)
		writeError(out)
		return connfsm.Malformed
	}
	key := fields[1]
	n, err := strconv.Atoi(fields[4])
	if err != nil || n < 0 {
		consumeFn(lineLen)
		writeError(out)
		return connfsm.Malformed
	}

	total := lineLen + n + len(crlf)
	if len(view) < total {
		return connfsm.PartialPacket
	}
	if string(view[lineLen+n:total]) != crlf {
		consumeFn(total)
		writeError(out)
		return connfsm.Malformed
	}

	value := append([]byte(nil), view[lineLen:lineLen+n]...)
	packed := h.codec.packValue(value, h.compressAbove)
	consumeFn(total)

	h.store.SubmitSet(key, packed, func(uint64) {
		h.post(func() {
			_ = out.Append([]byte("STORED\r\n"))
		})
	})
	return connfsm.Complex
}

func (h *Handler) handleDelete(fields []string, lineLen int, consumeFn func(int), out connfsm.Appender) connfsm.Verdict {
	if len(fields) != 2 {
		consumeFn(lineLen)
		writeError(out)
		return connfsm.Malformed
	}
	key := fields[1]
	consumeFn(lineLen)

	h.store.SubmitDelete(key, func(existed bool) {
		h.post(func() {
			if existed {
				_ = out.Append([]byte("DELETED\r\n"))
			} else {
				_ = out.Append([]byte("NOT_FOUND\r\n"))
			}
		})
	})
	return connfsm.Complex
}

// handleSnapshot dispara um snapshot fora de banda numa goroutine avulsa
// (não o pool do Store, que é reservado para mutações de chave) e reporta
// o resultado através do mesmo contrato de post usado por set/delete.
func (h *Handler) handleSnapshot(out connfsm.Appender) connfsm.Verdict {
	if h.snapshot == nil {
		writeError(out)
		return connfsm.Malformed
	}
	go func() {
		err := h.snapshot.RunNow()
		h.post(func() {
			if err != nil {
				_ = out.Printf("SERVER_ERROR %s\r\n", err)
				return
			}
			_ = out.Append([]byte("OK\r\n"))
		})
	}()
	return connfsm.Complex
}

func writeError(out connfsm.Appender) {
	_ = out.Append([]byte("ERROR\r\n"))
}
