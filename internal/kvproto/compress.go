// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package kvproto

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// codec encapsula um par encoder/decoder zstd reutilizável. Os objetos da
// biblioteca não são seguros para uso concorrente sem serialização, daí o
// mutex: o volume de set/get num core por conexão não justifica um pool
// maior.
type codec struct {
	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() *codec {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		// Só falha por opções inválidas, nunca em runtime; um Handler sem
		// compressão funcional é um bug de construção, não uma condição a
		// ser tratada em toda chamada de Set.
		panic(fmt.Sprintf("kvproto: building zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("kvproto: building zstd decoder: %v", err))
	}
	return &codec{enc: enc, dec: dec}
}

// packValue comprime value com zstd quando acima de threshold bytes,
// prefixando o resultado com o flag de um byte que get usa para decidir se
// deve descomprimir.
func (c *codec) packValue(value []byte, threshold int) []byte {
	if threshold <= 0 || len(value) <= threshold {
		return append([]byte{byte(flagPlain)}, value...)
	}
	c.mu.Lock()
	packed := c.enc.EncodeAll(value, make([]byte, 0, len(value)))
	c.mu.Unlock()
	return append([]byte{byte(flagZstdPacked)}, packed...)
}

// unpackValue reverte packValue.
func (c *codec) unpackValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("kvproto: empty stored value")
	}
	flag := compressionFlag(stored[0])
	body := stored[1:]
	switch flag {
	case flagPlain:
		return body, nil
	case flagZstdPacked:
		c.mu.Lock()
		out, err := c.dec.DecodeAll(body, nil)
		c.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("kvproto: decompressing stored value: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("kvproto: unknown compression flag %d", flag)
	}
}
