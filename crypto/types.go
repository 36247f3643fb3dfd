package crypto

import (
	"encoding"
	"errors"
)

// PublicKey is encryption key material that may be published.
type PublicKey interface {
	encoding.BinaryMarshaler
}

// SecretKey never leaves its owner.
type SecretKey interface {
	encoding.BinaryMarshaler
}

// Rekey translates ciphertexts from one key domain to another.
type Rekey interface {
	encoding.BinaryMarshaler
}

// Ciphertext holds one encrypted chunk of at most SlotCapacity scalars.
type Ciphertext interface {
	encoding.BinaryMarshaler
}

// EvalKeys are the serialized evaluation keys registered with a public key.
type EvalKeys struct {
	Mult []byte
	Sum  []byte
}

var (
	// ErrKeyType is returned when a key or ciphertext from another scheme is
	// passed in.
	ErrKeyType = errors.New("key or ciphertext of unexpected type")

	// ErrCapacity is returned when a chunk exceeds the slot capacity.
	ErrCapacity = errors.New("chunk exceeds slot capacity")

	// ErrDomainMismatch is returned by the plain scheme when an operation mixes
	// key domains.
	ErrDomainMismatch = errors.New("key domain mismatch")
)
