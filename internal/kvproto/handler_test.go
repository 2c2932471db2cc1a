// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package kvproto

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/kvbroker/kvserver/internal/connfsm"
	"github.com/kvbroker/kvserver/internal/kvstore"
)

// bufAppender é um connfsm.Appender mínimo que acumula bytes, usado para
// testar o Handler sem subir um Conn completo.
type bufAppender struct {
	buf bytes.Buffer
}

func (a *bufAppender) Append(p []byte) error {
	a.buf.Write(p)
	return nil
}

func (a *bufAppender) Printf(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(&a.buf, format, args...)
	return err
}

// syncPost encaminha fn para um canal, permitindo que o teste aguarde a
// conclusão assíncrona de set/delete/snapshot de forma determinística em
// vez de usar sleeps.
func newSyncPost() (post func(func()), drain func()) {
	ch := make(chan func(), 1)
	post = func(fn func()) { ch <- fn }
	drain = func() {
		select {
		case fn := <-ch:
			fn()
		case <-time.After(2 * time.Second):
			panic("kvproto: post callback never arrived")
		}
	}
	return post, drain
}

func newTestHandler() (*Handler, *kvstore.Store, func()) {
	store := kvstore.New(kvstore.Config{Degree: 8, AsyncWorkers: 2})
	post, drain := newSyncPost()
	h := NewHandler(store, nil, 0, post)
	return h, store, drain
}

func TestHandler_GetMiss(t *testing.T) {
	h, store, _ := newTestHandler()
	defer store.Close()

	out := &bufAppender{}
	consumed := 0
	verdict := h.ParseRequest([]byte("get missing\r\n"), func(n int) { consumed = n }, out)

	if verdict != connfsm.SendNow {
		t.Fatalf("verdict = %v, want SendNow", verdict)
	}
	if consumed != len("get missing\r\n") {
		t.Fatalf("consumed = %d, want %d", consumed, len("get missing\r\n"))
	}
	if out.buf.String() != "END\r\n" {
		t.Fatalf("response = %q, want %q", out.buf.String(), "END\r\n")
	}
}

func TestHandler_SetThenGet(t *testing.T) {
	h, store, drain := newTestHandler()
	defer store.Close()

	setOut := &bufAppender{}
	setReq := []byte("set k 0 0 5\r\nhello\r\n")
	verdict := h.ParseRequest(setReq, func(int) {}, setOut)
	if verdict != connfsm.Complex {
		t.Fatalf("set verdict = %v, want Complex", verdict)
	}
	drain()
	if setOut.buf.String() != "STORED\r\n" {
		t.Fatalf("set response = %q, want %q", setOut.buf.String(), "STORED\r\n")
	}

	getOut := &bufAppender{}
	verdict = h.ParseRequest([]byte("get k\r\n"), func(int) {}, getOut)
	if verdict != connfsm.SendNow {
		t.Fatalf("get verdict = %v, want SendNow", verdict)
	}
	want := "VALUE k 0 5\r\nhello\r\nEND\r\n"
	if getOut.buf.String() != want {
		t.Fatalf("get response = %q, want %q", getOut.buf.String(), want)
	}
}

func TestHandler_SetPartialBody(t *testing.T) {
	h, store, _ := newTestHandler()
	defer store.Close()

	out := &bufAppender{}
	consumeCalled := false
	verdict := h.ParseRequest([]byte("set k 0 0 10\r\nhel"), func(int) { consumeCalled = true }, out)

	if verdict != connfsm.PartialPacket {
		t.Fatalf("verdict = %v, want PartialPacket", verdict)
	}
	if consumeCalled {
		t.Fatalf("consumeFn should not be called on PartialPacket")
	}
	if out.buf.Len() != 0 {
		t.Fatalf("no bytes should be written on PartialPacket, got %q", out.buf.String())
	}
}

func TestHandler_DeleteMissingKey(t *testing.T) {
	h, store, drain := newTestHandler()
	defer store.Close()

	out := &bufAppender{}
	verdict := h.ParseRequest([]byte("delete nope\r\n"), func(int) {}, out)
	if verdict != connfsm.Complex {
		t.Fatalf("verdict = %v, want Complex", verdict)
	}
	drain()
	if out.buf.String() != "NOT_FOUND\r\n" {
		t.Fatalf("response = %q, want %q", out.buf.String(), "NOT_FOUND\r\n")
	}
}

func TestHandler_MalformedUnknownCommand(t *testing.T) {
	h, store, _ := newTestHandler()
	defer store.Close()

	out := &bufAppender{}
	consumed := 0
	verdict := h.ParseRequest([]byte("frobnicate\r\n"), func(n int) { consumed = n }, out)

	if verdict != connfsm.Malformed {
		t.Fatalf("verdict = %v, want Malformed", verdict)
	}
	if consumed != len("frobnicate\r\n") {
		t.Fatalf("consumed = %d, want %d", consumed, len("frobnicate\r\n"))
	}
	if out.buf.String() != "ERROR\r\n" {
		t.Fatalf("response = %q, want %q", out.buf.String(), "ERROR\r\n")
	}
}

func TestHandler_Quit(t *testing.T) {
	h, store, _ := newTestHandler()
	defer store.Close()

	out := &bufAppender{}
	verdict := h.ParseRequest([]byte("quit\r\n"), func(int) {}, out)
	if verdict != connfsm.Quit {
		t.Fatalf("verdict = %v, want Quit", verdict)
	}
}

func TestHandler_SnapshotWithoutSnapshotterIsMalformed(t *testing.T) {
	h, store, _ := newTestHandler()
	defer store.Close()

	out := &bufAppender{}
	verdict := h.ParseRequest([]byte("snapshot\r\n"), func(int) {}, out)
	if verdict != connfsm.Malformed {
		t.Fatalf("verdict = %v, want Malformed", verdict)
	}
}
