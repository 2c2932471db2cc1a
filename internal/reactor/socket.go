// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

//go:build linux

package reactor

import (
	"io"

	"golang.org/x/sys/unix"

	"github.com/kvbroker/kvserver/internal/connfsm"
)

// fdSocket implementa connfsm.Socket diretamente sobre um file descriptor
// não-bloqueante, sem passar pelo net poller do runtime Go — o reactor é
// quem decide quando a fd está pronta, via epoll_wait.
type fdSocket struct {
	fd int
}

// newFDSocket adapta uma fd de socket não-bloqueante, já aceita e
// registrada no epoll pelo reactor, à interface connfsm.Socket.
func newFDSocket(fd int) *fdSocket {
	return &fdSocket{fd: fd}
}

func (s *fdSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, connfsm.ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *fdSocket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, connfsm.ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (s *fdSocket) Close() error {
	return unix.Close(s.fd)
}
