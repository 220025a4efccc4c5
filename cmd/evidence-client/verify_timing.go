//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

func handleVerifyTiming(client *Client) {
	id := idArg("[-sample-size int] [-num-samples int] verify-timing")
	samplingArgs := extractSamplingArgs()

	p.Printf("Measuring latency for verifying evidence %s (%d rounds, %d requests per round)\n", id, samplingArgs.NumSamples, samplingArgs.SampleSize)
	v := versionArg()

	timeRequest(func() error {
		_, err := client.Verify(id, v)
		return err
	}, samplingArgs)
}
