// Package client implements a federation participant.
//
// An Agent owns its CKKS key pair, registers the public half with the relay,
// hands the relay a rekey towards every peer, and then submits encrypted
// parameters and decrypts aggregates round by round. Keys persist in a
// KeyStore directory so that a restarted client keeps its key domain.
//
// Runner ties an Agent to a protocol.RoundCoordinator and a directory of
// round_<n>.json inputs, writing agg_round_<n>.json outputs.
package client
