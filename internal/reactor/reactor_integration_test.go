// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build linux

package reactor_test

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/kvbroker/kvserver/internal/connfsm"
	"github.com/kvbroker/kvserver/internal/kvproto"
	"github.com/kvbroker/kvserver/internal/kvstore"
	"github.com/kvbroker/kvserver/internal/logging"
	"github.com/kvbroker/kvserver/internal/reactor"
)

// TestReactor_GetSetRoundTrip conduz uma conexão TCP loopback real através
// do reactor epoll, do internal/kvproto e do internal/kvstore de ponta a
// ponta: um set despachado como operação complexa, sua completion STORED
// postada de volta pelo self-pipe, e então um get respondido inline.
func TestReactor_GetSetRoundTrip(t *testing.T) {
	logger, closer := logging.NewLogger("error", "text", "")
	defer closer.Close()

	store := kvstore.New(kvstore.Config{Degree: 8, AsyncWorkers: 2})
	defer store.Close()

	cfg := connfsm.Config{LinkCapacity: 4096, RecvCapacity: 4096, MaxPrintf: 4096}
	newHandler := func(post func(fn func())) connfsm.Handler {
		return kvproto.NewHandler(store, nil, 0, post)
	}

	rx, err := reactor.New(logger, cfg, nil, newHandler)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rx.Serve(ctx, "127.0.0.1:0", 2*time.Second) }()

	var addr net.Addr
	select {
	case addr = <-rx.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not bind in time")
	}

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	if _, err := conn.Write([]byte("set foo 0 0 3\r\nbar\r\n")); err != nil {
		t.Fatalf("write set: %v", err)
	}
	r := bufio.NewReader(conn)
	if line, err := r.ReadString('\n'); err != nil || line != "STORED\r\n" {
		t.Fatalf("STORED response: line=%q err=%v", line, err)
	}

	if _, err := conn.Write([]byte("get foo\r\n")); err != nil {
		t.Fatalf("write get: %v", err)
	}
	if line, err := r.ReadString('\n'); err != nil || line != "VALUE foo 0 3\r\n" {
		t.Fatalf("VALUE header: line=%q err=%v", line, err)
	}
	if line, err := r.ReadString('\n'); err != nil || line != "bar\r\n" {
		t.Fatalf("VALUE body: line=%q err=%v", line, err)
	}
	if line, err := r.ReadString('\n'); err != nil || line != "END\r\n" {
		t.Fatalf("END: line=%q err=%v", line, err)
	}

	if _, err := conn.Write([]byte("delete foo\r\n")); err != nil {
		t.Fatalf("write delete: %v", err)
	}
	if line, err := r.ReadString('\n'); err != nil || line != "DELETED\r\n" {
		t.Fatalf("DELETED: line=%q err=%v", line, err)
	}

	conn.Close()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reactor did not shut down in time")
	}
}

// TestReactor_PipelinedFragmentedRequests cobre duas requisições get
// pipelinadas entregues como escritas fragmentadas: ambas devem ser
// respondidas, em ordem, sem round trips extras.
func TestReactor_PipelinedFragmentedRequests(t *testing.T) {
	logger, closer := logging.NewLogger("error", "text", "")
	defer closer.Close()

	store := kvstore.New(kvstore.Config{Degree: 8, AsyncWorkers: 2})
	defer store.Close()
	store.SubmitSet("a", []byte{0, 'A'}, func(uint64) {})
	store.SubmitSet("b", []byte{0, 'B'}, func(uint64) {})
	time.Sleep(50 * time.Millisecond) // dá tempo do worker pool assíncrono aplicar os dois sets

	cfg := connfsm.Config{LinkCapacity: 4096, RecvCapacity: 4096, MaxPrintf: 4096}
	newHandler := func(post func(fn func())) connfsm.Handler {
		return kvproto.NewHandler(store, nil, 0, post)
	}

	rx, err := reactor.New(logger, cfg, nil, newHandler)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rx.Serve(ctx, "127.0.0.1:0", 2*time.Second) }()

	var addr net.Addr
	select {
	case addr = <-rx.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not bind in time")
	}

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	fragments := []string{"ge", "t a\r\nget", " b\r\n"}
	for _, frag := range fragments {
		if _, err := conn.Write([]byte(frag)); err != nil {
			t.Fatalf("write fragment %q: %v", frag, err)
		}
		time.Sleep(30 * time.Millisecond)
	}

	r := bufio.NewReader(conn)
	want := []string{"VALUE a 0 1\r\n", "A\r\n", "END\r\n", "VALUE b 0 1\r\n", "B\r\n", "END\r\n"}
	for _, w := range want {
		line, err := r.ReadString('\n')
		if err != nil || line != w {
			t.Fatalf("got %q err=%v, want %q", line, err, w)
		}
	}

	conn.Close()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reactor did not shut down in time")
	}
}
