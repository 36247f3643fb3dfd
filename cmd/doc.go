// Package cmd provides the fedrelay binaries.
//
// # Commands
//
// relay: Stores keys, rekeys, encrypted submissions, aggregates and results,
// and serves them over HTTP. With --orchestrate it aggregates every round
// itself as soon as both submissions arrive.
//
//	go run ./cmd/relay --addr=:8080 --orchestrate
//	go run ./cmd/relay --config=relay.yaml --backend=postgres
//
// aggregator: Runs the aggregation engine against a remote relay, for
// deployments where the relay only stores.
//
//	go run ./cmd/aggregator --relay=http://localhost:8080 --round=1
//	go run ./cmd/aggregator --relay=http://localhost:8080 --follow
//
// client: One federation participant. Generates keys, exchanges rekeys,
// submits encrypted parameters and decrypts aggregates.
//
//	go run ./cmd/client keygen --id=client1
//	go run ./cmd/client rekey --id=client1 --peers=client2
//	go run ./cmd/client run --config=client1.yaml
//
// fedctl: Inspects a running relay.
//
//	go run ./cmd/fedctl status --relay=http://localhost:8080
//	go run ./cmd/fedctl monitor --relay=http://localhost:8080 --round=1
//
// # Configuration
//
// All commands accept a YAML configuration file via --config. Each binary
// reads the sections it needs and command-line flags override file values.
//
//	http_addr: ":8080"
//	relay_url: "http://localhost:8080"
//	log:
//	  json: true
//	protocol:
//	  hub: client1
//	  peer: client2
//	  round_timeout: 10m
//	  max_rounds: 5
//	crypto:
//	  scheme: ckks
//	  log_n: 13
//	storage:
//	  backend: memory
//	  round_log_dir: logs
//	client:
//	  id: client1
//	  key_dir: keys/client1
//	  data_dir: data/client1
//	  peers: [client2]
//	  eval_command: ["python3", "evaluate.py"]
//
// An eval_command receives the path of agg_round_<n>.json as its last
// argument and prints {"accuracy": ..., "model": ...} on stdout.
package cmd
