// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves field kinds and accepts remote schema pushes over
// HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/AleutianAI/fieldschema/services/fields"
	"github.com/AleutianAI/fieldschema/services/fields/fieldconfig"
	"github.com/AleutianAI/fieldschema/services/fields/kinds"
	"github.com/AleutianAI/fieldschema/services/fields/migration"
	"github.com/AleutianAI/fieldschema/services/fields/snapshot"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MaxUpdateBodySize bounds POST /v1/fields bodies (1MB).
const MaxUpdateBodySize = 1024 * 1024

// Service is the part of fields.Component the handlers use.
type Service interface {
	Ready() bool
	Catalog() *kinds.Catalog
	FieldKind(key string) (kinds.FieldKind, bool)
	FieldKinds() map[string]kinds.FieldKind
	Configs(ctx context.Context) (snapshot.Snapshot, error)
	UpdateFields(ctx context.Context, requested snapshot.Snapshot, onDone func(error)) (string, error)
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code.
	Code string `json:"code,omitempty"`

	// Fields names the live fields involved, for migration problems.
	Fields []string `json:"fields,omitempty"`
}

// FieldKindResponse describes one registered field kind.
type FieldKindResponse struct {
	Key      string `json:"key"`
	Type     string `json:"type"`
	Editable bool   `json:"editable"`
}

// ListResponse is returned by GET /v1/fields.
type ListResponse struct {
	Revision int64               `json:"revision"`
	Fields   []FieldKindResponse `json:"fields"`
}

// ReadyResponse is returned by GET /v1/ready.
type ReadyResponse struct {
	Ready bool `json:"ready"`
}

// UpdateResponse is returned by a committed POST /v1/fields.
type UpdateResponse struct {
	Attempt  string `json:"attempt"`
	Revision int64  `json:"revision"`
}

// Handlers serves the field API.
type Handlers struct {
	svc           Service
	updateTimeout time.Duration
}

// NewHandlers returns handlers over svc. updateTimeout bounds how long an
// update request waits for its migration.
func NewHandlers(svc Service, updateTimeout time.Duration) *Handlers {
	if updateTimeout <= 0 {
		updateTimeout = 30 * time.Second
	}
	return &Handlers{svc: svc, updateTimeout: updateTimeout}
}

func describe(k kinds.FieldKind) FieldKindResponse {
	return FieldKindResponse{Key: k.Config().Key(), Type: k.TypeName(), Editable: k.Editable()}
}

func (h *Handlers) requireReady(c *gin.Context) bool {
	if h.svc.Ready() {
		return true
	}
	c.Header("Retry-After", "5")
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: fields.ErrNotReady.Error(), Code: "NOT_READY"})
	return false
}

// HandleReady handles GET /v1/ready.
func (h *Handlers) HandleReady(c *gin.Context) {
	if !h.svc.Ready() {
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, ReadyResponse{Ready: false})
		return
	}
	c.JSON(http.StatusOK, ReadyResponse{Ready: true})
}

// HandleList handles GET /v1/fields.
func (h *Handlers) HandleList(c *gin.Context) {
	if !h.requireReady(c) {
		return
	}
	snap, err := h.svc.Configs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_FAILED"})
		return
	}
	all := h.svc.FieldKinds()
	out := make([]FieldKindResponse, 0, len(all))
	for _, k := range all {
		out = append(out, describe(k))
	}
	sort.Slice(out, func(i, j int) bool { return fieldconfig.CompareKeys(out[i].Key, out[j].Key) < 0 })
	c.JSON(http.StatusOK, ListResponse{Revision: snap.Revision, Fields: out})
}

// HandleGet handles GET /v1/fields/:key.
func (h *Handlers) HandleGet(c *gin.Context) {
	if !h.requireReady(c) {
		return
	}
	k, ok := h.svc.FieldKind(c.Param("key"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown field key", Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, describe(k))
}

// HandleGetXML handles GET /v1/fields/:key/xml.
func (h *Handlers) HandleGetXML(c *gin.Context) {
	if !h.requireReady(c) {
		return
	}
	k, ok := h.svc.FieldKind(c.Param("key"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown field key", Code: "NOT_FOUND"})
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(fieldconfig.FormatXML(k.Config())))
}

// HandleExport handles GET /v1/schema.
func (h *Handlers) HandleExport(c *gin.Context) {
	if !h.requireReady(c) {
		return
	}
	snap, err := h.svc.Configs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_FAILED"})
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(fieldconfig.FormatDocument(snap.Revision, snap.Fields)))
}

// HandleUpdate handles POST /v1/fields.
//
// Description:
//
//	Parses a schema XML document and applies it, waiting for the
//	migration to commit or be rejected.
//
// Responses:
//
//	200 - Committed.
//	400 - Body is not a schema document.
//	409 - Migration problem (incompatible change to live fields).
//	422 - A config does not compile.
//	503 - Not ready.
//	504 - The migration did not finish within the update timeout.
func (h *Handlers) HandleUpdate(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleUpdate")
	if !h.requireReady(c) {
		return
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, MaxUpdateBodySize)
	rev, configs, err := fieldconfig.ParseXML(h.svc.Catalog().Schema(), body)
	if err != nil {
		logger.Warn("invalid schema document", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	_, _ = io.Copy(io.Discard, body)

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.updateTimeout)
	defer cancel()

	done := make(chan error, 1)
	attempt, err := h.svc.UpdateFields(ctx, snapshot.Snapshot{Revision: rev, Fields: configs}, func(err error) {
		done <- err
	})
	if err != nil {
		h.writeUpdateError(c, logger, err)
		return
	}

	select {
	case err := <-done:
		if err != nil {
			h.writeUpdateError(c, logger.With("attempt", attempt), err)
			return
		}
	case <-ctx.Done():
		logger.Warn("update still running at timeout", "attempt", attempt)
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: "update did not finish in time", Code: "UPDATE_TIMEOUT"})
		return
	}

	snap, err := h.svc.Configs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_FAILED"})
		return
	}
	logger.Info("schema update committed", "attempt", attempt, "revision", snap.Revision)
	c.JSON(http.StatusOK, UpdateResponse{Attempt: attempt, Revision: snap.Revision})
}

func (h *Handlers) writeUpdateError(c *gin.Context, logger *slog.Logger, err error) {
	var cp *kinds.CreateProblem
	var mp *migration.Problem
	switch {
	case errors.As(err, &cp):
		logger.Warn("update rejected", "error", err)
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "INVALID_FIELD_CONFIG"})
	case errors.Is(err, fields.ErrEmptyUpdate), errors.Is(err, fieldconfig.ErrDuplicateKey), errors.Is(err, fieldconfig.ErrMissingKey):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
	case errors.Is(err, fields.ErrNotReady):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "NOT_READY"})
	case errors.As(err, &mp):
		status, code := http.StatusInternalServerError, "MIGRATION_FAILED"
		if errors.Is(err, migration.ErrIncompatible) || errors.Is(err, migration.ErrStaleRevision) {
			status, code = http.StatusConflict, "MIGRATION_PROBLEM"
		}
		logger.Warn("update rejected", "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code, Fields: mp.Fields})
	default:
		logger.Error("update failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "UPDATE_FAILED"})
	}
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
