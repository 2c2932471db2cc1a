// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package kvstore

import "sync"

// WorkerPool é um pool fixo de goroutines consumindo de uma fila de
// trabalho, usado para executar operações mutantes (set/delete)
// fora da goroutine do reactor — é isso que permite ao handler devolver o
// verdict *complex* do núcleo e preservar a garantia de single-inflight
// por conexão enquanto o trabalho está em trânsito.
type WorkerPool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

func newWorkerPool(size int) *WorkerPool {
	p := &WorkerPool{jobs: make(chan func(), size*4)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.loop()
	}
	return p
}

func (p *WorkerPool) loop() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

func (p *WorkerPool) submit(job func()) {
	p.jobs <- job
}

func (p *WorkerPool) close() {
	close(p.jobs)
	p.wg.Wait()
}
