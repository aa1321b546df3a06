// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// kmsKeyEnv supplies the key material for PBKDF2. A real deployment
	// points this at a KMS-managed secret.
	kmsKeyEnv = "KMS_KEY"

	devKeyMaterial = "dev_encryption_key_not_for_production"

	pbkdf2Iterations = 100_000
	saltLength       = 16
	nonceLength      = 12
	gcmTagLength     = 16
)

// ErrCiphertextTooShort is returned when the input cannot contain a salt,
// nonce, and GCM tag.
var ErrCiphertextTooShort = errors.New("encrypted data too short")

// Encryptor performs AES-256-GCM encryption with a per-message key derived
// from the configured key material via PBKDF2-HMAC-SHA256.
//
// Output layout: salt(16) || nonce(12) || ciphertext+tag. The random salt
// makes every ciphertext use a distinct derived key, so nonce reuse across
// messages is not a concern.
//
// # Thread Safety
//
// Safe for concurrent use.
type Encryptor struct {
	keyMaterial []byte
}

// NewEncryptor reads key material from the KMS_KEY environment variable,
// falling back to a development key with a loud warning.
func NewEncryptor() *Encryptor {
	material := os.Getenv(kmsKeyEnv)
	if material == "" {
		slog.Warn("KMS_KEY not set, using development encryption key")
		material = devKeyMaterial
	}
	return &Encryptor{keyMaterial: []byte(material)}
}

// NewEncryptorWithKey builds an Encryptor from explicit key material. Used
// by tests.
func NewEncryptorWithKey(material []byte) *Encryptor {
	return &Encryptor{keyMaterial: material}
}

// Encrypt seals plaintext. The optional context map is bound as additional
// authenticated data; decryption must present the same context.
func (e *Encryptor) Encrypt(plaintext []byte, context map[string]string) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}

	aad, err := contextAAD(context)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, saltLength+nonceLength+len(plaintext)+gcmTagLength)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, aad)
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt. A wrong key, tampered
// bytes, or mismatched context all fail authentication.
func (e *Encryptor) Decrypt(encrypted []byte, context map[string]string) ([]byte, error) {
	if len(encrypted) < saltLength+nonceLength+gcmTagLength {
		return nil, ErrCiphertextTooShort
	}

	salt := encrypted[:saltLength]
	nonce := encrypted[saltLength : saltLength+nonceLength]
	ciphertext := encrypted[saltLength+nonceLength:]

	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}

	aad, err := contextAAD(context)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

func (e *Encryptor) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(e.keyMaterial, salt, pbkdf2Iterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// contextAAD serializes the context deterministically for use as AAD. Nil
// or empty contexts bind no AAD.
func contextAAD(context map[string]string) ([]byte, error) {
	if len(context) == 0 {
		return nil, nil
	}
	aad, err := json.Marshal(context)
	if err != nil {
		return nil, fmt.Errorf("serializing encryption context: %w", err)
	}
	return aad, nil
}
