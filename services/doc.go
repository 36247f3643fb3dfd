/*
Package services exposes the federation relay over HTTP.

# Relay

Relay registers the JSON protocol on a chi router. Clients upload key bundles,
rekeys, encrypted parameters and evaluation results; the aggregator reads
submissions and rekeys and uploads averaged ciphertexts. Blobs travel as
base64 strings. Every error answer is {"error": "..."} with status 400, 404,
409 or 500, and unknown routes answer 404.

	POST /c2s/public_key         register a key bundle
	GET  /s2c/public_key         ?client_id=
	POST /c2s/rekey              register a rekey edge
	GET  /s2c/rekey              ?from=&to=
	POST /c2s/params             submit encrypted parameters with their layout
	GET  /s2c/params             ?round=, raw blobs per client
	GET  /s2c/submissions        ?round=, submissions with layouts
	POST /c2s/server/agg_params  upload aggregates (409 unless recompute)
	GET  /s2c/agg_params         ?client_id=&round=[&wait=], long poll
	POST /c2s/result             submit an evaluation result
	GET  /s2c/result             ?client_id=&round=
	GET  /s2c/results/summary    ?round=
	POST /c2s/server/report      store an aggregation report
	GET  /s2c/aggregation        ?round=
	GET  /s2c/watch              ?round=&since=&timeout=, long poll on changes
	GET  /s2c/round              ?round=, audit snapshot
	GET  /s2c/rounds
	GET  /s2c/clients
	POST /input, GET /input      raw round inputs
	GET  /health

# RelayClient

RelayClient implements both client.Relay and aggregator.Source over HTTP, so
agents and the engine run unchanged against a remote relay.

# Orchestrator

Orchestrator runs the aggregation engine inside the relay process, starting a
run for each round with submissions and no aggregate.
*/
package services
