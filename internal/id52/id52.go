// Package id52 provides the fabric's peer identity: a 32-byte ed25519
// keypair whose public half encodes to the 52-character base-32 string
// ("ID52") used everywhere else in this module as a peer name.
//
// Grounded on kulfi-utils/src/secret.rs's read-or-create-on-disk flow and
// common/socket/socket.go's convention of one small helper per well-known
// path.
package id52

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ed25519"
)

const keyFileMode = 0600

var enc = base32.StdEncoding.WithPadding(base32.NoPadding)

// PublicKey is the 52-character encoding of an ed25519 public key.
type PublicKey string

// SecretKey is a 32-byte ed25519 seed together with its derived public half.
type SecretKey struct {
	seed   []byte
	public ed25519.PublicKey
}

// Generate creates a fresh random identity.
func Generate() (SecretKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SecretKey{}, fmt.Errorf("id52: failed to generate key: %w", err)
	}
	return SecretKey{seed: priv.Seed(), public: pub}, nil
}

// FromSeed reconstructs a SecretKey from a raw 32-byte seed, such as one
// read off disk.
func FromSeed(seed []byte) (SecretKey, error) {
	if len(seed) != ed25519.SeedSize {
		return SecretKey{}, fmt.Errorf("id52: secret key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return SecretKey{seed: append([]byte(nil), seed...), public: pub}, nil
}

// ID52 returns the public identity string for this key.
func (s SecretKey) ID52() PublicKey {
	return EncodePublic(s.public)
}

// Sign signs msg with the private half of the key.
func (s SecretKey) Sign(msg []byte) []byte {
	priv := ed25519.NewKeyFromSeed(s.seed)
	return ed25519.Sign(priv, msg)
}

// Seed returns the raw 32-byte seed, e.g. for persisting to a key file.
func (s SecretKey) Seed() []byte {
	return append([]byte(nil), s.seed...)
}

// EncodePublic base32-encodes a raw ed25519 public key into its ID52 form.
func EncodePublic(pub ed25519.PublicKey) PublicKey {
	return PublicKey(strings.ToLower(enc.EncodeToString(pub)))
}

// Decode parses an ID52 string back into a raw ed25519 public key, verifying
// its length is exactly what an ed25519 public key requires.
func Decode(id PublicKey) (ed25519.PublicKey, error) {
	raw, err := enc.DecodeString(strings.ToUpper(string(id)))
	if err != nil {
		return nil, fmt.Errorf("id52: invalid ID52 %q: %w", id, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("id52: decoded key has wrong length: got %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks a signature made by peer over msg.
func Verify(peer PublicKey, msg, sig []byte) (bool, error) {
	pub, err := Decode(peer)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, msg, sig), nil
}

// ReadOrCreate loads the secret key stored at path, generating and
// persisting a fresh one if the file does not exist.
func ReadOrCreate(path string) (SecretKey, error) {
	key, err := readKeyFile(path)
	if err == nil {
		return key, nil
	}
	if !os.IsNotExist(err) {
		return SecretKey{}, fmt.Errorf("id52: failed to read key file %s: %w", path, err)
	}
	return generateAndWrite(path)
}

// Read loads the secret key stored at path, failing if it does not exist
// or is malformed -- unlike ReadOrCreate, it never generates one. This is
// what the cluster-role scanner uses: a cluster directory with no private
// key for its role is a skip, not an auto-provision.
func Read(path string) (SecretKey, error) {
	return readKeyFile(path)
}

func readKeyFile(path string) (SecretKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SecretKey{}, err
	}
	return FromSeed(raw)
}

func generateAndWrite(path string) (SecretKey, error) {
	key, err := Generate()
	if err != nil {
		return SecretKey{}, err
	}
	if err := os.WriteFile(path, key.Seed(), keyFileMode); err != nil {
		return SecretKey{}, fmt.Errorf("id52: failed to persist key file %s: %w", path, err)
	}
	return key, nil
}
