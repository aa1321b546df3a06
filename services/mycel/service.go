// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package mycel is the HTTP surface of the mycelial knowledge substrate.
// Handlers translate between the wire format and the propagation, memory,
// and reinforcement engines; all graph state lives behind those engines.
package mycel

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/hyphae-ai/mycelnet/services/mycel/memory"
	"github.com/hyphae-ai/mycelnet/services/mycel/propagation"
	"github.com/hyphae-ai/mycelnet/services/mycel/ratelimit"
	"github.com/hyphae-ai/mycelnet/services/mycel/reinforce"
	"github.com/hyphae-ai/mycelnet/services/mycel/security"
	"github.com/hyphae-ai/mycelnet/services/mycel/store"
)

// defaultSourceAgent is credited when a broadcast omits source_agent_id.
const defaultSourceAgent = "unknown"

// Handlers holds the engines behind the HTTP surface.
type Handlers struct {
	store      *store.Store
	propagator *propagation.Controller
	memories   *memory.Engine
	outcomes   *reinforce.Engine
	limiter    *ratelimit.Limiter
	signer     *security.Signer
	logger     *slog.Logger
}

// NewHandlers builds the handler set and registers the custom binding
// validators exactly once per process.
func NewHandlers(
	st *store.Store,
	propagator *propagation.Controller,
	memories *memory.Engine,
	outcomes *reinforce.Engine,
	limiter *ratelimit.Limiter,
	signer *security.Signer,
	logger *slog.Logger,
) *Handlers {
	registerValidators()
	return &Handlers{
		store:      st,
		propagator: propagator,
		memories:   memories,
		outcomes:   outcomes,
		limiter:    limiter,
		signer:     signer,
		logger:     logger,
	}
}

var validatorOnce sync.Once

// registerValidators adds the "sensitivity" tag to gin's binding engine.
func registerValidators() {
	validatorOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("sensitivity", func(fl validator.FieldLevel) bool {
			switch strings.ToLower(fl.Field().String()) {
			case "public", "internal", "confidential", "secret":
				return true
			}
			return false
		})
	})
}

// auditEvent signs and logs an admin action. The signature covers the
// canonical JSON of the event, so a log consumer holding the public key
// can verify the record was emitted by this process.
func (h *Handlers) auditEvent(action, tenantID string, fields map[string]any) {
	event := map[string]any{
		"action":    action,
		"tenant_id": tenantID,
		"at":        time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		event[k] = v
	}

	sig, err := h.signer.SignEvent(event)
	if err != nil {
		h.logger.Warn("failed to sign audit event",
			slog.String("action", action),
			slog.String("error", err.Error()))
		return
	}
	h.logger.Info("audit event",
		slog.String("action", action),
		slog.String("tenant_id", tenantID),
		slog.String("signature", sig),
		slog.Any("event", event))
}
