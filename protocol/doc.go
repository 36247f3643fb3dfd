// Package protocol defines the data model shared by every fedrelay component.
//
// # Round Flow
//
// A round is one iteration of two-party federated averaging through an
// untrusted relay:
//
//  1. Each client registers a KeyBundle once and a RekeyEdge towards its peer.
//  2. Each client chunks, encrypts and submits its parameters as a Submission.
//  3. The aggregator re-encrypts the peer's chunks into the hub's key domain,
//     averages them, re-encrypts the average back, and stores one Aggregate
//     per client.
//  4. Each client fetches its Aggregate and decrypts it with its own key.
//
// The relay never holds secret keys; every blob here is opaque ciphertext or
// public key material.
//
// # Chunk Layouts
//
// A ChunkLayout records, per logical tensor, how many ciphertext chunks carry
// it and how many scalars it had before padding. Both participants of a round
// must submit identical layouts since tensors are averaged positionally.
//
// # Errors
//
// Components classify failures with the sentinel errors in errors.go and wrap
// them with context. Transports map them onto status codes with errors.Is.
package protocol
