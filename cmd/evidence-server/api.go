//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/signalapp/evidenceledger/cmd/internal/config"
	"github.com/signalapp/evidenceledger/cmd/internal/util"
	"github.com/signalapp/evidenceledger/evidence"
	"github.com/signalapp/evidenceledger/ledger"
)

// maxSubmissionSize bounds the body of a submission request.
const maxSubmissionSize = 4 << 20

type evidenceService interface {
	Submit(ctx context.Context, sub *evidence.Submission) (*evidence.Record, evidence.Action, error)
	Get(ctx context.Context, id string, version *uint64) (*evidence.Record, error)
	Verify(ctx context.Context, id string, version *uint64) (*evidence.Result, error)
	Digest(ctx context.Context) (*ledger.Digest, error)
}

// EvidenceHandler serves the HTTP API of the evidence service.
type EvidenceHandler struct {
	config  *config.APIConfig
	service evidenceService
}

type SubmitResponse struct {
	Action string           `json:"action"`
	Record *evidence.Record `json:"record"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (h *EvidenceHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)
	r.Use(h.authorize)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/evidence", h.submit)
		r.Get("/evidence/{id}", h.get)
		r.Get("/evidence/{id}/verify", h.verify)
		r.Get("/digest", h.digest)
	})
	return r
}

func (h *EvidenceHandler) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if _, err := validateAuthorizedHeaders(h.config.AuthorizedHeaders, req.Header); err != nil {
			writeJSON(rw, http.StatusForbidden, errorResponse{Error: err.Error()})
			return
		}
		next.ServeHTTP(rw, req)
	})
}

// requestMetrics counts requests and measures their latency by route pattern
// and status code.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(rw, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := "unknown"
		if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		labels := []metrics.Label{endpointLabel(req.Method + " " + route), statusLabel(ww.Status())}
		metrics.IncrCounterWithLabels([]string{"api", "requests"}, 1, labels)
		metrics.MeasureSinceWithLabels([]string{"api", "request_duration"}, start, labels)
	})
}

func (h *EvidenceHandler) submit(rw http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), h.config.RequestTimeout)
	defer cancel()

	sub := &evidence.Submission{}
	dec := json.NewDecoder(http.MaxBytesReader(rw, req.Body, maxSubmissionSize))
	if err := dec.Decode(sub); err != nil {
		h.fail(rw, req, fmt.Errorf("%w: %v", evidence.ErrInvalidSubmission, err))
		return
	}

	rec, action, err := h.service.Submit(ctx, sub)
	if err != nil {
		h.fail(rw, req, err)
		return
	}
	code := http.StatusOK
	if action == evidence.Create {
		code = http.StatusCreated
	}
	writeJSON(rw, code, SubmitResponse{Action: action.String(), Record: rec})
}

func (h *EvidenceHandler) get(rw http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), h.config.RequestTimeout)
	defer cancel()

	version, err := parseVersion(req)
	if err != nil {
		h.fail(rw, req, err)
		return
	}
	rec, err := h.service.Get(ctx, chi.URLParam(req, "id"), version)
	if err != nil {
		h.fail(rw, req, err)
		return
	}
	writeJSON(rw, http.StatusOK, rec)
}

func (h *EvidenceHandler) verify(rw http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), h.config.VerifyTimeout)
	defer cancel()

	version, err := parseVersion(req)
	if err != nil {
		h.fail(rw, req, err)
		return
	}
	res, err := h.service.Verify(ctx, chi.URLParam(req, "id"), version)
	if err != nil {
		h.fail(rw, req, err)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

func (h *EvidenceHandler) digest(rw http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), h.config.RequestTimeout)
	defer cancel()

	digest, err := h.service.Digest(ctx)
	if err != nil {
		h.fail(rw, req, err)
		return
	}
	writeJSON(rw, http.StatusOK, digest)
}

func (h *EvidenceHandler) fail(rw http.ResponseWriter, req *http.Request, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		util.Log().With("requestId", middleware.GetReqID(req.Context())).
			Errorf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	writeJSON(rw, code, errorResponse{Error: err.Error(), Retryable: ledger.IsRetryable(err)})
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}
