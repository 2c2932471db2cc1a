// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package kvstore implementa o back-end de armazenamento do kvserver: uma
// árvore B mantida em memória, um pool fixo de workers para operações
// mutantes assíncronas, e um job periódico de snapshot.
package kvstore

import (
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"
)

// Item é o valor guardado na árvore: o dado já serializado por kvproto
// (com seu byte de flag de compressão prefixado) mais um token CAS
// monotônico por chave, incrementado a cada escrita.
type Item struct {
	Key   string
	Value []byte
	CAS   uint64
}

func itemLess(a, b Item) bool { return a.Key < b.Key }

// Store é o backend B-tree-like citado no núcleo do protocolo: guarda
// todas as chaves residentes em memória, de modo que leituras nunca
// precisam suspender a conexão (são respondidas inline). Escritas e
// remoções são despachadas para o pool de workers para que o handler
// possa devolver o verdict *complex* do núcleo e preservar a semântica de
// single-inflight por conexão.
type Store struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[Item]

	casCounter atomic.Uint64

	pool *WorkerPool
}

// Config dimensiona a árvore e o pool de workers.
type Config struct {
	// Degree é o grau da B-tree (itens por nó interno).
	Degree int
	// AsyncWorkers é o tamanho do pool fixo que executa operações
	// mutantes.
	AsyncWorkers int
}

// New cria um Store vazio com o grau e o tamanho de pool configurados.
func New(cfg Config) *Store {
	degree := cfg.Degree
	if degree <= 0 {
		degree = 32
	}
	workers := cfg.AsyncWorkers
	if workers <= 0 {
		workers = 4
	}
	s := &Store{
		tree: btree.NewBTreeGOptions(itemLess, btree.Options{Degree: degree}),
	}
	s.pool = newWorkerPool(workers)
	return s
}

// Get resolve uma leitura inline: a árvore é sempre totalmente residente em
// memória, então não há suspensão — o handler responde *parallelizable*/
// *send_now* no mesmo parse_request, nunca *complex*.
func (s *Store) Get(key string) (value []byte, cas uint64, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.tree.Get(Item{Key: key})
	if !ok {
		return nil, 0, false
	}
	return item.Value, item.CAS, true
}

// SubmitSet despacha uma escrita para o pool de workers. done é chamado a
// partir de uma goroutine do pool, nunca da goroutine que chamou
// SubmitSet; o chamador (o handler, via o callback que o reactor injeta)
// é responsável por entregar o resultado de volta à conexão dona de forma
// serializada (veja internal/reactor).
func (s *Store) SubmitSet(key string, value []byte, done func(cas uint64)) {
	s.pool.submit(func() {
		cas := s.casCounter.Add(1)
		s.mu.Lock()
		s.tree.Set(Item{Key: key, Value: value, CAS: cas})
		s.mu.Unlock()
		done(cas)
	})
}

// SubmitDelete despacha uma remoção para o pool de workers. done recebe se
// a chave existia.
func (s *Store) SubmitDelete(key string, done func(existed bool)) {
	s.pool.submit(func() {
		s.mu.Lock()
		_, existed := s.tree.Delete(Item{Key: key})
		s.mu.Unlock()
		done(existed)
	})
}

// Len devolve o número de chaves residentes, usado pelo relatório
// periódico de internal/health.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Snapshot aplica fn a todos os itens, em ordem de chave, percorrendo a
// própria árvore sob o read lock do Store: nenhuma cópia é feita, e
// escritas concorrentes ficam bloqueadas durante toda a enumeração (o
// Snapshotter de snapshot.go usa isto para serializar o conteúdo da
// árvore).
func (s *Store) Snapshot(fn func(item Item) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tree.Scan(func(item Item) bool {
		return fn(item)
	})
}

// Close espera os workers em trânsito terminarem e libera o pool.
func (s *Store) Close() {
	s.pool.close()
}
