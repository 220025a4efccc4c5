//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type SamplingArgs struct {
	SampleSize int
	NumSamples int
}

func extractSamplingArgs() SamplingArgs {
	if *timingSampleSize <= 0 {
		log.Fatal("sample size must be positive")
	}
	if *timingNumSamples <= 0 {
		log.Fatal("number of samples must be positive")
	}
	return SamplingArgs{
		SampleSize: *timingSampleSize,
		NumSamples: *timingNumSamples,
	}
}

// SampleResult summarizes the latency of one round of requests.
type SampleResult struct {
	Min, Max, Avg time.Duration
	NotFound      int
}

// timeRequest runs call SampleSize times per round and prints the latency of
// each round. Not-found responses are counted, other errors abort.
func timeRequest(call func() error, samplingArgs SamplingArgs) []SampleResult {
	results := make([]SampleResult, 0, samplingArgs.NumSamples)
	for j := 0; j < samplingArgs.NumSamples; j++ {
		p.Printf("\n\nRound %d of %d:\n", j, samplingArgs.NumSamples)
		res, err := sample(call, samplingArgs.SampleSize)
		if err != nil {
			log.Fatalf("Unexpected error: %v", err)
		}
		p.Println("\nResults:")
		p.Printf("  Min latency: %.5f seconds\n", res.Min.Seconds())
		p.Printf("  Max latency: %.5f seconds\n", res.Max.Seconds())
		p.Printf("  Avg latency: %.5f seconds\n", res.Avg.Seconds())
		results = append(results, res)
	}
	return results
}

func sample(call func() error, size int) (SampleResult, error) {
	var totalDuration time.Duration
	res := SampleResult{Min: time.Hour}

	for i := 0; i < size; i++ {
		start := time.Now()
		err := call()
		duration := time.Since(start)

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			res.NotFound++
			if i%10 == 0 {
				p.Printf("Request %d returned not found: %.5f seconds\n", i, duration.Seconds())
			}
		} else if err == nil {
			if i%10 == 0 {
				p.Printf("Request %d succeeded: %.5f seconds\n", i, duration.Seconds())
			}
		} else {
			return res, err
		}

		totalDuration += duration
		res.Min = min(res.Min, duration)
		res.Max = max(res.Max, duration)
	}
	res.Avg = totalDuration / time.Duration(size)
	return res, nil
}

func checkErr(context string, err error) {
	if err != nil {
		_, _ = os.Stderr.WriteString(fmt.Sprintf("%s: %v\n", context, err))
		os.Exit(1)
	}
}
