// Package crypto adapts homomorphic encryption libraries to the operations the
// aggregation protocol needs.
//
// The Scheme interface covers key generation, chunk encryption and decryption,
// proxy re-encryption between key domains, and the two homomorphic operations
// averaging uses: addition and multiplication by a constant.
//
// # Implementations
//
//   - CKKS: lattigo v6 CKKS. Rekeys are rlwe evaluation keys built from the
//     sender's secret key and the recipient's public key, applied with
//     ApplyEvaluationKey. Chunk sequences serialize as a structs.Vector of
//     rlwe ciphertexts.
//   - Plain: a functional model without encryption that tracks key domains,
//     so protocol mistakes surface as ErrDomainMismatch in tests.
//
// Note: CKKS is approximate. Decrypted values carry small noise and padding
// slots decrypt to approximately zero.
package crypto
