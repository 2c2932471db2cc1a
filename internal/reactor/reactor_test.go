// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build linux

package reactor

import (
	"testing"

	"golang.org/x/sys/unix"
)

// TestSockaddrString_Inet4 confere a formatação "ip:porta" usada nos logs
// de accept.
func TestSockaddrString_Inet4(t *testing.T) {
	sa := &unix.SockaddrInet4{Port: 11211, Addr: [4]byte{127, 0, 0, 1}}
	got := sockaddrString(sa)
	want := "127.0.0.1:11211"
	if got != want {
		t.Fatalf("sockaddrString() = %q, want %q", got, want)
	}
}

// TestSockaddrString_Unknown cobre o fallback para tipos de sockaddr não
// tratados (ex.: unix domain sockets), que não devem ocorrer em produção
// mas não podem travar o reactor se ocorrerem.
func TestSockaddrString_Unknown(t *testing.T) {
	if got := sockaddrString(nil); got != "unknown" {
		t.Fatalf("sockaddrString(nil) = %q, want %q", got, "unknown")
	}
}
