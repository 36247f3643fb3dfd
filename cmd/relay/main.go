// Command relay runs the federation relay.
//
// The relay stores public keys, rekeys, encrypted submissions, aggregates and
// results, and serves them over HTTP. It never sees a secret key. With
// --orchestrate it also runs the aggregation engine for every round that
// receives submissions.
//
// # Configuration File
//
//	http_addr: ":8080"
//	metrics_addr: ":9090"
//	log:
//	  debug: false
//	  json: true
//	protocol:
//	  hub: client1
//	  peer: client2
//	  round_timeout: 10m
//	  parallelism: 4
//	crypto:
//	  scheme: ckks
//	  log_n: 13
//	  log_q: [50, 40]
//	  log_p: [60]
//	  log_default_scale: 40
//	storage:
//	  backend: postgres
//	  round_log_dir: logs
//	  postgres:
//	    host: localhost
//	    port: 5432
//	    user: fedrelay
//	    password: secret
//	    database: fedrelay
//	relay:
//	  orchestrate: true
//	  max_wait: 30s
//
// # Usage
//
//	go run ./cmd/relay --config=relay.yaml
//	go run ./cmd/relay --addr=:8080 --orchestrate --round-log=logs
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/flashbots/fedrelay/aggregator"
	"github.com/flashbots/fedrelay/api/httpserver"
	"github.com/flashbots/fedrelay/cmd/common"
	"github.com/flashbots/fedrelay/services"
	"github.com/flashbots/fedrelay/store"
)

func main() {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	var (
		configPath  = fs.String("config", "", "Path to YAML config file")
		addr        = fs.String("addr", ":8080", "HTTP listen address")
		metricsAddr = fs.String("metrics-addr", "", "Metrics listen address (disabled when empty)")
		backend     = fs.String("backend", "", "Storage backend: memory or postgres")
		postgresDSN = fs.String("postgres-dsn", "", "PostgreSQL DSN, overrides the postgres config section")
		roundLog    = fs.String("round-log", "", "Directory for round audit logs")
		orchestrate = fs.Bool("orchestrate", false, "Run the aggregation engine inside the relay")
		roundTO     = fs.Duration("round-timeout", 0, "How long aggregation waits for a round's inputs")
		scheme      = fs.String("scheme", "", "Encryption scheme: ckks or plain")
		debug       = fs.Bool("debug", false, "Enable debug logging")
		pprof       = fs.Bool("pprof", false, "Serve /debug/pprof")
	)
	fs.Parse(os.Args[1:])

	cfg, err := common.LoadConfiguration(*configPath)
	if err != nil {
		common.Fatal("loading config: %v", err)
	}

	if common.IsFlagSet(fs, "addr") || cfg.HTTPAddr == "" {
		cfg.HTTPAddr = *addr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *roundLog != "" {
		cfg.Storage.RoundLogDir = *roundLog
	}
	if *orchestrate {
		cfg.Relay.Orchestrate = true
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
	if *pprof {
		cfg.Relay.EnablePprof = true
	}

	if err := run(cfg, *postgresDSN); err != nil {
		common.Fatal("%v", err)
	}
}

func run(cfg *common.Config, postgresDSN string) error {
	log := cfg.Logger("relay")
	ctx, stop := common.SignalContext()
	defer stop()

	scheme, err := cfg.Scheme()
	if err != nil {
		return err
	}

	var st *store.Store
	if postgresDSN != "" {
		pg, err := store.OpenPostgresBackend(postgresDSN)
		if err != nil {
			return err
		}
		st = store.New(pg, log)
		if err := st.Load(ctx); err != nil {
			st.Close()
			return fmt.Errorf("loading store: %w", err)
		}
	} else {
		st, err = cfg.OpenStore(ctx, log)
		if err != nil {
			return err
		}
	}
	defer st.Close()

	relayCfg := &services.RelayConfig{
		Scheme:         scheme,
		MaxWait:        cfg.Relay.MaxWait,
		MaxBodyBytes:   cfg.Relay.MaxBodyBytes,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		Log:            log,
	}
	if cfg.Storage.RoundLogDir != "" {
		relayCfg.RoundLog, err = store.NewRoundLog(cfg.Storage.RoundLogDir)
		if err != nil {
			return err
		}
	}
	relay := services.NewRelay(st, relayCfg)

	var orchestrator *services.Orchestrator
	if cfg.Relay.Orchestrate {
		engine, err := aggregator.NewEngine(scheme, aggregator.NewLocalSource(st), &cfg.Protocol, log)
		if err != nil {
			return err
		}
		orchestrator = services.NewOrchestrator(engine, st, cfg.Protocol.RoundTimeout, log)
	}

	maxWait := cfg.Relay.MaxWait
	if maxWait <= 0 {
		maxWait = services.DefaultMaxWait
	}
	srv, err := httpserver.NewRelayServer(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.HTTPAddr,
		MetricsAddr:              cfg.MetricsAddr,
		EnablePprof:              cfg.Relay.EnablePprof,
		Log:                      log,
		DrainDuration:            cfg.Relay.DrainDuration,
		GracefulShutdownDuration: cfg.Relay.ShutdownGrace,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             maxWait + 30*time.Second,
	}, relay, orchestrator)
	if err != nil {
		return err
	}

	log.Info("relay starting",
		"scheme", scheme.Name(),
		"slots", scheme.SlotCapacity(),
		"backend", cfg.Storage.Backend,
		"orchestrate", cfg.Relay.Orchestrate,
		"hub", cfg.Protocol.Hub,
		"peer", cfg.Protocol.Peer,
	)
	srv.RunInBackground()

	<-ctx.Done()
	log.Info("shutting down relay")
	srv.Shutdown()
	return nil
}
