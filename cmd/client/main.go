// Command client is one participant of a two-party federation.
//
// # Commands
//
// keygen: Generate or load the client's keys and register the public bundle.
//
//	client keygen --id=client1 --relay=http://localhost:8080
//
// rekey: Register a rekey from this client to each peer.
//
//	client rekey --id=client1 --peers=client2
//
// submit: Encrypt data/round_<n>.json and submit it.
//
//	client submit --id=client1 --round=1
//
// fetch: Decrypt the round's aggregate into data/agg_round_<n>.json.
//
//	client fetch --id=client1 --round=1 --wait=5m
//
// result: Report the evaluation of the round's aggregate.
//
//	client result --id=client1 --round=1 --accuracy=0.91 --model=mlp
//
// run: Drive every round end to end, scoring each aggregate with
// client.eval_command when configured.
//
//	client run --config=client1.yaml
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/flashbots/fedrelay/client"
	"github.com/flashbots/fedrelay/cmd/common"
	"github.com/flashbots/fedrelay/protocol"
	"github.com/flashbots/fedrelay/services"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "keygen":
		err = runKeygen(args)
	case "rekey":
		err = runRekey(args)
	case "submit":
		err = runSubmit(args)
	case "fetch":
		err = runFetch(args)
	case "result":
		err = runResult(args)
	case "run":
		err = runRounds(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		common.Fatal("%v", err)
	}
}

func printUsage() {
	fmt.Println(`client - federated averaging participant

Usage:
  client <command> [options]

Commands:
  keygen    Generate keys and register the public bundle
  rekey     Register rekeys to peers
  submit    Encrypt and submit a round's parameters
  fetch     Fetch and decrypt a round's aggregate
  result    Report an evaluation result
  run       Run every round end to end

Run 'client <command> --help' for command-specific options.`)
}

// session is what every subcommand needs: config, logger and an agent whose
// keys are loaded.
type session struct {
	cfg   *common.Config
	log   *slog.Logger
	relay *services.RelayClient
	agent *client.Agent
	files *client.RoundFiles
}

type sessionFlags struct {
	configPath *string
	relayURL   *string
	id         *string
	keyDir     *string
	dataDir    *string
	scheme     *string
	debug      *bool
}

func addSessionFlags(fs *flag.FlagSet) *sessionFlags {
	return &sessionFlags{
		configPath: fs.String("config", "", "Path to YAML config file"),
		relayURL:   fs.String("relay", "", "Relay URL"),
		id:         fs.String("id", "", "Client ID"),
		keyDir:     fs.String("key-dir", "", "Key directory"),
		dataDir:    fs.String("data-dir", "", "Round data directory"),
		scheme:     fs.String("scheme", "", "Encryption scheme: ckks or plain"),
		debug:      fs.Bool("debug", false, "Enable debug logging"),
	}
}

// open loads config, applies flag overrides and builds the agent. Keys are
// loaded, or generated and registered, before open returns.
func (f *sessionFlags) open(ctx context.Context) (*session, error) {
	cfg, err := common.LoadConfiguration(*f.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if *f.relayURL != "" {
		cfg.RelayURL = *f.relayURL
	}
	if *f.id != "" {
		cfg.Client.ID = protocol.ClientID(*f.id)
	}
	if *f.keyDir != "" {
		cfg.Client.KeyDir = *f.keyDir
	}
	if *f.dataDir != "" {
		cfg.Client.DataDir = *f.dataDir
	}
	if *f.scheme != "" {
		cfg.Crypto.Scheme = *f.scheme
	}
	if *f.debug {
		cfg.Log.Debug = true
	}
	if cfg.Client.ID == "" {
		return nil, fmt.Errorf("--id is required")
	}

	log := cfg.Logger("client")
	scheme, err := cfg.Scheme()
	if err != nil {
		return nil, err
	}
	relay := services.NewRelayClient(cfg.RelayURL, nil)
	agent, err := client.NewAgent(cfg.Client.ID, scheme, relay, client.NewKeyStore(cfg.Client.KeyDir), log)
	if err != nil {
		return nil, err
	}
	if err := agent.Setup(ctx); err != nil {
		return nil, err
	}

	return &session{
		cfg:   cfg,
		log:   log,
		relay: relay,
		agent: agent,
		files: &client.RoundFiles{Dir: cfg.Client.DataDir},
	}, nil
}

func parseRound(n uint64) (protocol.Round, error) {
	if n == 0 {
		return 0, fmt.Errorf("--round is required")
	}
	return protocol.Round(n), nil
}

// --- keygen ---

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	sf := addSessionFlags(fs)
	fs.Parse(args)

	ctx, stop := common.SignalContext()
	defer stop()

	s, err := sf.open(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Keys for %s registered with %s (keys in %s)\n", s.agent.ID(), s.relay.BaseURL(), s.cfg.Client.KeyDir)
	return nil
}

// --- rekey ---

func runRekey(args []string) error {
	fs := flag.NewFlagSet("rekey", flag.ExitOnError)
	sf := addSessionFlags(fs)
	peers := fs.String("peers", "", "Comma-separated peer IDs, overrides client.peers")
	fs.Parse(args)

	ctx, stop := common.SignalContext()
	defer stop()

	s, err := sf.open(ctx)
	if err != nil {
		return err
	}
	targets := s.cfg.Client.Peers
	if *peers != "" {
		targets = nil
		for _, p := range strings.Split(*peers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				targets = append(targets, protocol.ClientID(p))
			}
		}
	}
	if len(targets) == 0 {
		return fmt.Errorf("no peers given")
	}
	return s.agent.ExchangeRekeys(ctx, targets...)
}

// --- submit ---

func runSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	sf := addSessionFlags(fs)
	roundN := fs.Uint64("round", 0, "Round number")
	input := fs.String("input", "", "Tensor file, defaults to <data-dir>/round_<n>.json")
	fs.Parse(args)

	round, err := parseRound(*roundN)
	if err != nil {
		return err
	}
	ctx, stop := common.SignalContext()
	defer stop()

	s, err := sf.open(ctx)
	if err != nil {
		return err
	}
	path := *input
	if path == "" {
		path = s.files.InputPath(round)
	}
	tensors, err := client.ReadTensors(path)
	if err != nil {
		return err
	}
	layout, err := s.agent.SubmitParams(ctx, round, tensors)
	if err != nil {
		return err
	}

	stats := s.agent.Stats(round)
	fmt.Printf("Round %d: submitted %d tensors in %d chunks (%d bytes)\n", round, len(layout.OrigSizes), layout.Total(), stats.BytesUp)
	return nil
}

// --- fetch ---

func runFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	sf := addSessionFlags(fs)
	roundN := fs.Uint64("round", 0, "Round number")
	wait := fs.Duration("wait", 0, "Wait this long for the aggregate to appear")
	fs.Parse(args)

	round, err := parseRound(*roundN)
	if err != nil {
		return err
	}
	ctx, stop := common.SignalContext()
	defer stop()

	s, err := sf.open(ctx)
	if err != nil {
		return err
	}

	var agg [][]float64
	if *wait > 0 {
		agg, err = s.agent.AwaitAggregated(ctx, round, *wait)
	} else {
		agg, err = s.agent.FetchAggregated(ctx, round)
	}
	if err != nil {
		return err
	}

	// Shape the output like our own input when it is still around.
	like, err := s.files.ReadInput(round)
	if err != nil && !errors.Is(err, protocol.ErrNotFound) {
		return err
	}
	if err := s.files.WriteOutput(round, agg, like); err != nil {
		return err
	}
	fmt.Printf("Round %d: aggregate written to %s\n", round, s.files.OutputPath(round))
	return nil
}

// --- result ---

func runResult(args []string) error {
	fs := flag.NewFlagSet("result", flag.ExitOnError)
	sf := addSessionFlags(fs)
	roundN := fs.Uint64("round", 0, "Round number")
	accuracy := fs.Float64("accuracy", -1, "Accuracy of the aggregated model")
	model := fs.String("model", "", "Model name")
	auc := fs.Float64("auc", -1, "Optional AUC")
	fs.Parse(args)

	round, err := parseRound(*roundN)
	if err != nil {
		return err
	}
	if !common.IsFlagSet(fs, "accuracy") {
		return fmt.Errorf("--accuracy is required")
	}
	if *model == "" {
		return fmt.Errorf("--model is required")
	}
	ctx, stop := common.SignalContext()
	defer stop()

	s, err := sf.open(ctx)
	if err != nil {
		return err
	}
	res := &protocol.ResultRecord{Round: round, Accuracy: *accuracy, Model: *model}
	if common.IsFlagSet(fs, "auc") {
		res.AUC = auc
	}
	return s.agent.SubmitResult(ctx, res)
}

// --- run ---

func runRounds(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	sf := addSessionFlags(fs)
	rounds := fs.Int("rounds", 0, "Number of rounds, overrides protocol.max_rounds")
	timeout := fs.Duration("timeout", 0, "How long to wait for each aggregate")
	fs.Parse(args)

	ctx, stop := common.SignalContext()
	defer stop()

	s, err := sf.open(ctx)
	if err != nil {
		return err
	}
	if *rounds > 0 {
		s.cfg.Protocol.MaxRounds = *rounds
	}
	if *timeout > 0 {
		s.cfg.Protocol.RoundTimeout = *timeout
	}
	if len(s.cfg.Client.Peers) > 0 {
		if err := s.agent.ExchangeRekeys(ctx, s.cfg.Client.Peers...); err != nil {
			return err
		}
	}

	coordinator := protocol.NewLocalRoundCoordinator(s.cfg.Client.RoundInterval, protocol.Round(s.cfg.Protocol.MaxRounds))
	runner := &client.Runner{
		Agent:       s.agent,
		Files:       s.files,
		Coordinator: coordinator,
		Timeout:     s.cfg.Protocol.RoundTimeout,
		Lockstep:    s.cfg.Client.RoundInterval == 0,
	}
	if len(s.cfg.Client.EvalCommand) > 0 {
		runner.Evaluate = commandEvaluator(s.cfg.Client.EvalCommand, s.files, s.log)
	}
	err = runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// evalOutput is what an evaluation command prints on stdout.
type evalOutput struct {
	Accuracy *float64          `json:"accuracy"`
	Model    string             `json:"model"`
	AUC      *float64           `json:"auc,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// commandEvaluator runs argv with the aggregate's path appended and reads the
// result JSON from its stdout.
func commandEvaluator(argv []string, files *client.RoundFiles, log *slog.Logger) client.Evaluator {
	return func(ctx context.Context, round protocol.Round, _ [][]float64) (*protocol.ResultRecord, error) {
		path := files.OutputPath(round)
		cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], path)...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		start := time.Now()
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(stderr.String()))
		}

		var out evalOutput
		if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
			return nil, fmt.Errorf("%s printed invalid result: %w", argv[0], err)
		}
		if out.Accuracy == nil || out.Model == "" {
			return nil, fmt.Errorf("%s result needs accuracy and model", argv[0])
		}
		log.Info("evaluation finished", "round", round, "accuracy", *out.Accuracy, "took", time.Since(start))
		return &protocol.ResultRecord{
			Round:    round,
			Accuracy: *out.Accuracy,
			Model:    out.Model,
			AUC:      out.AUC,
			Metrics:  out.Metrics,
		}, nil
	}
}
