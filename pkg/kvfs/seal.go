// Copyright 2018 The Kura Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kvfs

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrPassphrase is returned when opening a sealed file system with the
// wrong passphrase, or a plain one with a passphrase.
var ErrPassphrase = errors.New("kvfs: wrong passphrase")

var checkValue = []byte("fusekit kvfs")

// A sealer encrypts blocks with a key derived from a passphrase. The
// nonce is stored in front of each sealed block, and the block's key is
// authenticated with it so blocks cannot be swapped.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(passphrase string, salt []byte) (*sealer, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(passphrase), salt, []byte("fusekit kvfs blocks"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(key string, plaintext []byte) ([]byte, error) {
	if s == nil {
		return plaintext, nil
	}
	n := s.aead.NonceSize()
	out := make([]byte, n, n+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return s.aead.Seal(out, out[:n], plaintext, []byte(key)), nil
}

func (s *sealer) open(key string, sealed []byte) ([]byte, error) {
	if s == nil {
		return sealed, nil
	}
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("kvfs: sealed block too short")
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], []byte(key))
}
