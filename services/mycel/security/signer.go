// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package security provides the audit-event signer and the at-rest
// encryption used for secret-sensitivity memory content.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// signingKeyEnv holds a hex-encoded 32-byte Ed25519 seed. When unset or
// malformed a fresh keypair is generated, which is fine for single-instance
// deployments but means signatures do not survive restarts.
const signingKeyEnv = "MYCEL_SIGNING_KEY"

// Signer signs audit events with Ed25519 over a canonical JSON encoding.
//
// # Thread Safety
//
// Safe for concurrent use; the key material is immutable after construction.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner builds a Signer from the MYCEL_SIGNING_KEY environment variable
// (64 hex chars) or generates an ephemeral keypair when it is absent.
func NewSigner() (*Signer, error) {
	if keyHex := os.Getenv(signingKeyEnv); len(keyHex) == 64 {
		seed, err := hex.DecodeString(keyHex)
		if err == nil && len(seed) == ed25519.SeedSize {
			priv := ed25519.NewKeyFromSeed(seed)
			return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
		}
		slog.Warn("invalid signing key in environment, generating ephemeral keypair")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing keypair: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// NewSignerFromSeed builds a Signer from a raw 32-byte seed. Used by tests.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKeyHex returns the hex-encoded public key for storage alongside
// signed events.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// SignEvent signs an audit event and returns the hex signature.
//
// The event is serialized as canonical JSON (sorted keys, compact output)
// so that any party holding the same fields produces the same bytes.
func (s *Signer) SignEvent(event map[string]any) (string, error) {
	canonical, err := canonicalJSON(event)
	if err != nil {
		return "", fmt.Errorf("canonicalizing audit event: %w", err)
	}
	return hex.EncodeToString(ed25519.Sign(s.priv, canonical)), nil
}

// VerifyEvent reports whether the hex signature matches the event under this
// signer's public key.
func (s *Signer) VerifyEvent(event map[string]any, sigHex string) bool {
	return VerifyWithPublicKey(event, sigHex, hex.EncodeToString(s.pub))
}

// VerifyWithPublicKey verifies an event signature against an arbitrary
// hex-encoded Ed25519 public key. Any decode or size error reads as an
// invalid signature.
func VerifyWithPublicKey(event map[string]any, sigHex, pubHex string) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	canonical, err := canonicalJSON(event)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), canonical, sig)
}

// canonicalJSON renders the event deterministically. encoding/json already
// sorts map keys and emits compact output, which is the canonical form the
// verifier expects.
func canonicalJSON(event map[string]any) ([]byte, error) {
	return json.Marshal(event)
}
