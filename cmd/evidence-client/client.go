//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/signalapp/evidenceledger/cmd/internal/config"
	"github.com/signalapp/evidenceledger/evidence"
	"github.com/signalapp/evidenceledger/ledger"
)

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

type submitResponse struct {
	Action string           `json:"action"`
	Record *evidence.Record `json:"record"`
}

// Client talks to the HTTP API of an evidence server.
type Client struct {
	addr    string
	headers map[string][]string
	http    *http.Client
}

func newClient(addr string, cfg *config.APIConfig) *Client {
	c := &Client{addr: addr, http: &http.Client{Timeout: time.Minute}}
	if cfg != nil {
		c.headers = cfg.AuthorizedHeaders
	}
	return c
}

func (c *Client) Submit(sub *evidence.Submission) (*submitResponse, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	res := &submitResponse{}
	if err := c.do(http.MethodPost, "/v1/evidence", nil, body, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Get(id string, version *uint64) (*evidence.Record, error) {
	rec := &evidence.Record{}
	if err := c.do(http.MethodGet, "/v1/evidence/"+url.PathEscape(id), versionQuery(version), nil, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Client) Verify(id string, version *uint64) (*evidence.Result, error) {
	res := &evidence.Result{}
	if err := c.do(http.MethodGet, "/v1/evidence/"+url.PathEscape(id)+"/verify", versionQuery(version), nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Digest() (*ledger.Digest, error) {
	digest := &ledger.Digest{}
	if err := c.do(http.MethodGet, "/v1/digest", nil, nil, digest); err != nil {
		return nil, err
	}
	return digest, nil
}

func versionQuery(version *uint64) url.Values {
	if version == nil {
		return nil
	}
	return url.Values{"version": {strconv.FormatUint(*version, 10)}}
}

func (c *Client) do(method, path string, query url.Values, body []byte, out any) error {
	target := c.addr + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, target, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	for header, values := range c.headers {
		for _, value := range values {
			req.Header.Add(header, value)
		}
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode/100 != 2 {
		msg := struct {
			Error string `json:"error"`
		}{}
		if json.Unmarshal(raw, &msg) != nil || msg.Error == "" {
			msg.Error = string(raw)
		}
		return &StatusError{Code: res.StatusCode, Message: msg.Error}
	}
	return json.Unmarshal(raw, out)
}
