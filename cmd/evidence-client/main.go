//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Command evidence-client is a test/example client used for interacting with
// an evidence server.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"golang.org/x/text/message"

	"github.com/signalapp/evidenceledger/cmd/internal/config"
	"github.com/signalapp/evidenceledger/evidence"
	"github.com/signalapp/evidenceledger/ledger"
)

var (
	p = message.NewPrinter(message.MatchLanguage("en"))

	serverAddr = flag.String("addr", "http://localhost:8080", "Address of the evidence server.")
	configFile = flag.String("config", "", "(Optional) Location of config file with authorized headers.")

	version          = flag.Int("version", -1, "(Optional) Version of the record, or -1 for the latest.")
	timingNumSamples = flag.Int("num-samples", 5, "Number of samples to use for measuring timing of a verify request")
	timingSampleSize = flag.Int("sample-size", 100, "Number of requests per sample to use for measuring timing of a verify request")
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile | log.LUTC)
	flag.Parse()

	cfg, err := readConfig(*configFile)
	checkErr("parsing config", err)
	client := newClient(*serverAddr, cfg.APIConfig)

	switch flag.Arg(0) {
	case "submit":
		handleSubmit(client)
	case "get":
		handleGet(client)
	case "verify":
		handleVerify(client)
	case "verify-timing":
		handleVerifyTiming(client)
	case "digest":
		digest, err := client.Digest()
		checkErr("digest request", err)
		printDigest(digest)
	default:
		log.Fatal("Unexpected operation requested. Allowed arguments: \n- submit" +
			"\n- get\n- verify\n- verify-timing\n- digest")
	}
}

func readConfig(configFile string) (*config.Config, error) {
	if configFile == "" {
		return &config.Config{APIConfig: &config.APIConfig{}}, nil
	}
	return config.ReadClient(configFile)
}

func versionArg() *uint64 {
	if *version == -1 {
		return nil
	} else if *version < -1 {
		log.Fatal("Flag value may not be less than -1.")
	}
	v := uint64(*version)
	return &v
}

func idArg(command string) string {
	if flag.Arg(1) == "" {
		log.Fatalf("No evidence id given. Usage: evidence-client [-version int] %s <evidence id>", command)
	}
	return flag.Arg(1)
}

func handleSubmit(client *Client) {
	if flag.Arg(1) == "" {
		log.Fatal("No submission given. Usage: evidence-client submit <submission.json>")
	}
	raw, err := os.ReadFile(flag.Arg(1))
	checkErr("reading submission", err)
	sub := &evidence.Submission{}
	checkErr("parsing submission", json.Unmarshal(raw, sub))

	res, err := client.Submit(sub)
	checkErr("submit request", err)
	p.Printf("Action: %v\n", res.Action)
	printRecord(res.Record)
}

func handleGet(client *Client) {
	rec, err := client.Get(idArg("get"), versionArg())
	checkErr("get request", err)
	printRecord(rec)
}

func handleVerify(client *Client) {
	res, err := client.Verify(idArg("verify"), versionArg())
	checkErr("verify request", err)
	p.Printf("Status: %v\n\n", res.Status)
	if res.Record != nil {
		printRecord(res.Record)
	}
}

func round(d time.Duration) time.Duration {
	if d > time.Second {
		return d.Round(time.Second)
	}
	return d.Round(time.Millisecond)
}

func printRecord(rec *evidence.Record) {
	p.Printf("Evidence Record:\n")
	p.Printf("  ID: %v\n", rec.EvidenceID)
	p.Printf("  Provider: %v\n", rec.ProviderID)
	p.Printf("  Target: %v\n", rec.TargetID)
	p.Printf("  Schema: %v\n", rec.SchemaID)
	if len(rec.AdditionalTargetIDs) > 0 {
		p.Printf("  Additional Targets: %v\n", rec.AdditionalTargetIDs)
	}
	p.Printf("  Content Hash: %v\n", rec.ContentHash)
	p.Printf("  Content Location: %v\n", rec.ContentLocation)
	p.Printf("  Created: %v (%v ago)\n", rec.CreatedTimestamp, round(time.Since(rec.CreatedTimestamp)))
	for _, att := range rec.Attachments {
		p.Printf("  - attachment %v/%v hash=%v\n", att.BucketName, att.ObjectKey, att.Hash)
	}
	if details := rec.RevisionDetails; details != nil {
		p.Printf("  Revision:\n")
		p.Printf("    Version: %v\n", details.Metadata.Version)
		p.Printf("    Block: %v\n", details.BlockAddress)
		p.Printf("    Hash: %v\n", details.Hash)
	}
	p.Println()
}

func printDigest(digest *ledger.Digest) {
	p.Printf("Ledger Digest:\n")
	p.Printf("  Digest: %v\n", digest.Digest)
	if digest.TipAddress != nil {
		p.Printf("  Tip: %v\n", *digest.TipAddress)
		p.Printf("  Blocks: %d\n", digest.TipAddress.SequenceNo+1)
	}
	p.Println()
}
