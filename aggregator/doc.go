// Package aggregator implements the relay-side averaging of two clients'
// encrypted parameters.
//
// One participant is the hub. The peer's ciphertexts are re-encrypted into
// the hub's key domain, both sequences are averaged chunk by chunk, and the
// average is re-encrypted back into the peer's domain. The relay never holds
// a secret key; it only needs the two directed rekeys.
//
// Each attempt walks the states
//
//	awaiting_params -> validating -> re_encrypting -> averaging -> distributing -> aggregated
//
// and ends in failed on any error after the precondition check. Aggregates are
// written only when every chunk succeeded. Run repeats the precondition check
// whenever the source reports a change, until the round timeout expires.
package aggregator
