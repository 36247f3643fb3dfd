// Command aggregator runs the aggregation engine against a remote relay.
//
// The engine reads both clients' encrypted submissions and the rekeys between
// them from the relay, averages the ciphertexts without decrypting them, and
// uploads one aggregate per client, encrypted under that client's key.
//
// # Configuration File
//
//	relay_url: "http://localhost:8080"
//	protocol:
//	  hub: client1
//	  peer: client2
//	  round_timeout: 10m
//	  parallelism: 8
//	  max_rounds: 5
//	crypto:
//	  scheme: ckks
//	  log_n: 13
//
// # Usage
//
// Aggregate round 3 once, waiting for its inputs:
//
//	go run ./cmd/aggregator --relay=http://localhost:8080 --round=3
//
// Aggregate every round from 1 on, up to protocol.max_rounds when set:
//
//	go run ./cmd/aggregator --config=aggregator.yaml --follow
package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/flashbots/fedrelay/aggregator"
	"github.com/flashbots/fedrelay/cmd/common"
	"github.com/flashbots/fedrelay/protocol"
	"github.com/flashbots/fedrelay/services"
)

func main() {
	fs := flag.NewFlagSet("aggregator", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "Path to YAML config file")
		relayURL   = fs.String("relay", "", "Relay URL")
		round      = fs.Uint64("round", 1, "Round to aggregate, or the first round with --follow")
		follow     = fs.Bool("follow", false, "Keep aggregating subsequent rounds")
		recompute  = fs.Bool("recompute", false, "Replace existing aggregates")
		roundTO    = fs.Duration("round-timeout", 0, "How long to wait for a round's inputs")
		scheme     = fs.String("scheme", "", "Encryption scheme: ckks or plain")
		debug      = fs.Bool("debug", false, "Enable debug logging")
	)
	fs.Parse(os.Args[1:])

	cfg, err := common.LoadConfiguration(*configPath)
	if err != nil {
		common.Fatal("loading config: %v", err)
	}
	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	if *roundTO != 0 {
		cfg.Protocol.RoundTimeout = *roundTO
	}
	if *scheme != "" {
		cfg.Crypto.Scheme = *scheme
	}
	if *debug {
		cfg.Log.Debug = true
	}
	if *round == 0 {
		common.Fatal("--round must be at least 1")
	}

	if err := run(cfg, protocol.Round(*round), *follow, aggregator.Options{Recompute: *recompute}); err != nil {
		common.Fatal("%v", err)
	}
}

func run(cfg *common.Config, first protocol.Round, follow bool, opts aggregator.Options) error {
	log := cfg.Logger("aggregator")
	ctx, stop := common.SignalContext()
	defer stop()

	scheme, err := cfg.Scheme()
	if err != nil {
		return err
	}
	relay := services.NewRelayClient(cfg.RelayURL, nil)
	if err := relay.Health(ctx); err != nil {
		return err
	}

	engine, err := aggregator.NewEngine(scheme, relay, &cfg.Protocol, log)
	if err != nil {
		return err
	}

	for round := first; ; round++ {
		if last := cfg.Protocol.MaxRounds; follow && last > 0 && round > protocol.Round(last) {
			return nil
		}

		report, err := engine.Run(ctx, round, 0, opts)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, protocol.ErrRoundTimedOut) && follow:
			log.Warn("round timed out, moving on", "round", round, "err", err)
		case err != nil:
			return err
		case report == nil:
			log.Info("round already aggregated", "round", round)
		default:
			log.Info("round aggregated", "round", round, "chunks", report.Chunks, "took", report.Duration())
		}

		if !follow {
			return nil
		}
	}
}
