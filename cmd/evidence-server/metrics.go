//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/datadog"
	"github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalapp/evidenceledger/cmd/internal/util"
	"github.com/signalapp/evidenceledger/ledger"
)

func successLabel(err error) metrics.Label {
	return metrics.Label{Name: "success", Value: fmt.Sprint(err == nil)}
}

func statusLabel(code int) metrics.Label {
	return metrics.Label{Name: "status", Value: strconv.Itoa(code)}
}

func endpointLabel(endpoint string) metrics.Label {
	return metrics.Label{Name: "endpoint", Value: endpoint}
}

// exportMetrics installs the global metrics sink: Prometheus always, and
// DogStatsD when datadogAddr is set.
func exportMetrics(datadogAddr string) {
	prom, err := prometheus.NewPrometheusSink()
	if err != nil {
		util.Log().Fatalf("building prometheus sink: %v", err)
	}
	sinks := metrics.FanoutSink{prom}

	if datadogAddr != "" {
		util.Log().Infof("Initiating datadog metrics at %q", datadogAddr)
		ddog, err := datadog.NewDogStatsdSink(datadogAddr, "")
		if err != nil {
			util.Log().Fatalf("error initializing statsd client: %v", err)
		}
		sinks = append(sinks, ddog)
	}

	// Hostnames are added by the downstream sinks.
	cfg := metrics.DefaultConfig("evidence")
	cfg.EnableHostname = false
	cfg.EnableHostnameLabel = false
	if _, err = metrics.NewGlobal(cfg, sinks); err != nil {
		util.Log().Fatalf("error initializing metrics: %v", err)
	}

	metrics.IncrCounterWithLabels([]string{"build_info"}, 1, []metrics.Label{
		{Name: "version", Value: Version},
		{Name: "goversion", Value: GoVersion},
	})
}

type digestSource interface {
	GetDigest(ctx context.Context) (*ledger.Digest, error)
}

// debugMux serves metrics, profiling and the ledger's current digest.
func debugMux(digests digestSource) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/" {
			http.NotFound(rw, req)
			return
		}
		fmt.Fprintln(rw, "Hi, I'm an evidence ledger metrics and debugging server!")
	})
	mux.Handle("/metrics", promhttp.Handler())

	for path, handler := range map[string]http.HandlerFunc{
		"/debug/pprof/":        pprof.Index,
		"/debug/pprof/cmdline": pprof.Cmdline,
		"/debug/pprof/profile": pprof.Profile,
		"/debug/pprof/symbol":  pprof.Symbol,
		"/debug/pprof/trace":   pprof.Trace,
	} {
		mux.HandleFunc(path, handler)
	}

	mux.HandleFunc("/debug/version", func(rw http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(rw, "Version: %s, GoVersion: %s", Version, GoVersion)
	})
	mux.HandleFunc("/debug/digest", func(rw http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		digest, err := digests.GetDigest(ctx)
		if err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Retryable: true})
			return
		}
		writeJSON(rw, http.StatusOK, digest)
	})
	return mux
}

func metricsServer(addr string, digests digestSource) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           debugMux(digests),
		ReadHeaderTimeout: 10 * time.Second,
	}
	util.Log().Infof("Starting metrics server at: %v", addr)
	// go 1.24 requires a constant format string to Printf-like functions
	util.Log().Fatalf("%s", srv.ListenAndServe().Error())
}
