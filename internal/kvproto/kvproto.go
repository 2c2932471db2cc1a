// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package kvproto implementa um subconjunto do protocolo texto do
// memcached (get/set/delete/quit, mais os comandos administrativos
// stats/version/snapshot/shutdown) como um Handler do núcleo connfsm.
//
// Formato das linhas de comando (terminadas em "\r\n"):
//
//	get <key>\r\n
//	set <key> <flags> <exptime> <bytes>\r\n<data>\r\n
//	delete <key>\r\n
//	quit\r\n
//	stats\r\n
//	version\r\n
//	snapshot\r\n
//	shutdown\r\n
package kvproto

// compressionFlag é o marcador de um byte armazenado junto ao valor para
// indicar se ele está comprimido com zstd.
type compressionFlag byte

const (
	flagPlain      compressionFlag = 0
	flagZstdPacked compressionFlag = 1
)

const (
	crlf = "\r\n"
)
