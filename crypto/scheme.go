package crypto

import "fmt"

// Scheme is the homomorphic encryption library as seen by fedrelay.
// Implementations must be safe for concurrent use.
type Scheme interface {
	// Name identifies the scheme in configs and logs.
	Name() string

	// SlotCapacity is the number of scalars one ciphertext packs.
	SlotCapacity() int

	GenerateKeyPair() (PublicKey, SecretKey, error)
	GenerateEvalKeys(sk SecretKey) (*EvalKeys, error)

	Encrypt(pk PublicKey, values []float64) (Ciphertext, error)
	// Decrypt returns at least as many scalars as were encrypted; trailing
	// slots may carry padding.
	Decrypt(sk SecretKey, ct Ciphertext) ([]float64, error)

	// GenerateRekey derives the key translating ciphertexts encrypted for the
	// owner of from into ciphertexts decryptable by the owner of to.
	GenerateRekey(from SecretKey, to PublicKey) (Rekey, error)
	ReEncrypt(ct Ciphertext, rk Rekey) (Ciphertext, error)

	Add(a, b Ciphertext) (Ciphertext, error)
	MultiplyByConstant(ct Ciphertext, c float64) (Ciphertext, error)

	UnmarshalPublicKey(data []byte) (PublicKey, error)
	UnmarshalSecretKey(data []byte) (SecretKey, error)
	UnmarshalRekey(data []byte) (Rekey, error)

	// MarshalCiphertexts serializes a chunk sequence into one blob.
	MarshalCiphertexts(cts []Ciphertext) ([]byte, error)
	UnmarshalCiphertexts(data []byte) ([]Ciphertext, error)
}

// Scheme names accepted by Config.
const (
	SchemeCKKS  = "ckks"
	SchemePlain = "plain"
)

// Config selects and parameterizes a Scheme.
type Config struct {
	// Scheme is "ckks" or "plain". The plain scheme performs no encryption.
	Scheme string `json:"scheme" yaml:"scheme"`

	LogN            int   `json:"log_n" yaml:"log_n"`
	LogQ            []int `json:"log_q" yaml:"log_q"`
	LogP            []int `json:"log_p" yaml:"log_p"`
	LogDefaultScale int   `json:"log_default_scale" yaml:"log_default_scale"`

	// PlainSlots is the slot capacity of the plain scheme.
	PlainSlots int `json:"plain_slots" yaml:"plain_slots"`
}

// DefaultConfig returns 128-bit secure CKKS parameters with a single
// multiplicative level, which is all averaging consumes.
func DefaultConfig() *Config {
	return &Config{
		Scheme:          SchemeCKKS,
		LogN:            13,
		LogQ:            []int{50, 40},
		LogP:            []int{60},
		LogDefaultScale: 40,
		PlainSlots:      4096,
	}
}

// New builds the scheme described by cfg.
func New(cfg *Config) (Scheme, error) {
	switch cfg.Scheme {
	case SchemeCKKS, "":
		return NewCKKSFromConfig(cfg)
	case SchemePlain:
		return NewPlain(cfg.PlainSlots)
	default:
		return nil, fmt.Errorf("unknown scheme %q", cfg.Scheme)
	}
}

// EncryptChunks encrypts each chunk under pk.
func EncryptChunks(s Scheme, pk PublicKey, chunks [][]float64) ([]Ciphertext, error) {
	cts := make([]Ciphertext, len(chunks))
	for i, chunk := range chunks {
		ct, err := s.Encrypt(pk, chunk)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		cts[i] = ct
	}
	return cts, nil
}

// DecryptChunks decrypts each ciphertext with sk.
func DecryptChunks(s Scheme, sk SecretKey, cts []Ciphertext) ([][]float64, error) {
	chunks := make([][]float64, len(cts))
	for i, ct := range cts {
		values, err := s.Decrypt(sk, ct)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		chunks[i] = values
	}
	return chunks, nil
}
