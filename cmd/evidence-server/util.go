//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/signalapp/evidenceledger/evidence"
	"github.com/signalapp/evidenceledger/ledger"
)

var errForbidden = errors.New("invalid header values")

// validateAuthorizedHeaders ensures that at least one of the specified header to value mappings is present on the request
// Returns the last header value that matched.
func validateAuthorizedHeaders(authorizedHeaders map[string][]string, headers http.Header) (string, error) {
	if len(authorizedHeaders) == 0 {
		return "", nil
	}

	passedValidation := false
	matchedValue := ""
	for header, authorizedHeaderValues := range authorizedHeaders {
		requestHeaderValues := headers.Values(header)
		if len(requestHeaderValues) == 0 {
			continue
		}
		for _, requestHeaderValue := range requestHeaderValues {
			for _, authorizedValue := range authorizedHeaderValues {
				if subtle.ConstantTimeCompare([]byte(authorizedValue), []byte(requestHeaderValue)) == 1 {
					matchedValue = requestHeaderValue
					passedValidation = true
				}
			}
		}
	}

	if !passedValidation {
		return "", errForbidden
	}

	return matchedValue, nil
}

// parseVersion reads the optional "version" query parameter.
func parseVersion(req *http.Request) (*uint64, error) {
	raw := req.URL.Query().Get("version")
	if raw == "" {
		return nil, nil
	}
	version, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed version %q", evidence.ErrInvalidSubmission, raw)
	}
	return &version, nil
}

// statusCode maps an error returned by the evidence service to the HTTP
// status that is reported to the client.
func statusCode(err error) int {
	switch {
	case errors.Is(err, evidence.ErrInvalidSubmission):
		return http.StatusBadRequest
	case evidence.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
