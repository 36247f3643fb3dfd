package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flashbots/fedrelay/crypto"
	"github.com/flashbots/fedrelay/protocol"
)

// KeyStore keeps one client's key material in a directory. Every file is
// written with 0600 permissions.
type KeyStore struct {
	dir string
}

// Keys is a client's complete key material.
type Keys struct {
	Public crypto.PublicKey
	Secret crypto.SecretKey
	Eval   *crypto.EvalKeys

	// RawPublic is the serialized public key as registered with the relay.
	RawPublic []byte
}

type keyManifest struct {
	Client protocol.ClientID `json:"client_id"`
	Scheme string            `json:"scheme"`
	Slots  int               `json:"slots"`
}

const (
	manifestFile = "keys.json"
	publicFile   = "public.key"
	secretFile   = "secret.key"
	evalMultFile = "eval_mult.key"
	evalSumFile  = "eval_sum.key"
)

func NewKeyStore(dir string) *KeyStore {
	return &KeyStore{dir: dir}
}

func (k *KeyStore) Dir() string { return k.dir }

// Load reads keys for client. It returns an error wrapping
// protocol.ErrNotFound when nothing has been saved yet, and refuses keys made
// for another client or another scheme configuration.
func (k *KeyStore) Load(client protocol.ClientID, scheme crypto.Scheme) (*Keys, error) {
	raw, err := os.ReadFile(filepath.Join(k.dir, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no keys in %s", protocol.ErrNotFound, k.dir)
	}
	if err != nil {
		return nil, fmt.Errorf("reading key manifest: %w", err)
	}

	var m keyManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding key manifest: %w", err)
	}
	if m.Client != client || m.Scheme != scheme.Name() || m.Slots != scheme.SlotCapacity() {
		return nil, fmt.Errorf("%w: keys in %s belong to %s/%s/%d slots",
			protocol.ErrValidation, k.dir, m.Client, m.Scheme, m.Slots)
	}

	files := map[string][]byte{}
	for _, name := range []string{publicFile, secretFile, evalMultFile, evalSumFile} {
		data, err := os.ReadFile(filepath.Join(k.dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		files[name] = data
	}

	pk, err := scheme.UnmarshalPublicKey(files[publicFile])
	if err != nil {
		return nil, err
	}
	sk, err := scheme.UnmarshalSecretKey(files[secretFile])
	if err != nil {
		return nil, err
	}
	return &Keys{
		Public:    pk,
		Secret:    sk,
		Eval:      &crypto.EvalKeys{Mult: files[evalMultFile], Sum: files[evalSumFile]},
		RawPublic: files[publicFile],
	}, nil
}

// Save writes keys for client, replacing whatever was there.
func (k *KeyStore) Save(client protocol.ClientID, scheme crypto.Scheme, keys *Keys) error {
	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return fmt.Errorf("creating key dir: %w", err)
	}

	pk, err := keys.Public.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	sk, err := keys.Secret.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal secret key: %w", err)
	}
	manifest, err := json.Marshal(keyManifest{Client: client, Scheme: scheme.Name(), Slots: scheme.SlotCapacity()})
	if err != nil {
		return err
	}

	// The manifest goes last so a partial save is never loaded.
	for _, f := range []struct {
		name string
		data []byte
	}{
		{publicFile, pk},
		{secretFile, sk},
		{evalMultFile, keys.Eval.Mult},
		{evalSumFile, keys.Eval.Sum},
		{manifestFile, manifest},
	} {
		if err := os.WriteFile(filepath.Join(k.dir, f.name), f.data, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	keys.RawPublic = pk
	return nil
}
