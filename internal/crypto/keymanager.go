// Package crypto holds the key material handling of the service: the sealed
// authority-issuer seed, request signatures that identify callers, and HMAC
// signing of outbound webhooks.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	// sealedVersion is the sealed-seed JSON schema version.
	sealedVersion = 1

	// MinSeedLen is the shortest issuer seed accepted.
	MinSeedLen = 16
)

// sealedSeedJSON is the on-disk format of an encrypted issuer seed.
type sealedSeedJSON struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SeedConfig tells LoadSeed where the issuer seed comes from.
type SeedConfig struct {
	// RawSeedHex is the seed as hex, with or without 0x. Takes precedence.
	RawSeedHex string
	// SealedSeedPath is a file written by SealSeed.
	SealedSeedPath string
	// Passphrase opens the sealed file.
	Passphrase string
}

// SealSeed encrypts seed under passphrase with PBKDF2-HMAC-SHA256 and
// AES-256-GCM and returns the JSON document to store on disk.
func SealSeed(seed []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase must not be empty")
	}
	if len(seed) < MinSeedLen {
		return nil, fmt.Errorf("crypto: seed must be at least %d bytes, got %d", MinSeedLen, len(seed))
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt, pbkdf2Iterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	out := sealedSeedJSON{
		Version:    sealedVersion,
		KDF:        "pbkdf2-sha256",
		Iterations: pbkdf2Iterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, seed, nil)),
	}
	return json.MarshalIndent(out, "", "  ")
}

// OpenSeed decrypts a document produced by SealSeed.
func OpenSeed(sealed []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase must not be empty")
	}
	var stored sealedSeedJSON
	if err := json.Unmarshal(sealed, &stored); err != nil {
		return nil, fmt.Errorf("crypto: parsing sealed seed: %w", err)
	}
	if stored.Version != sealedVersion {
		return nil, fmt.Errorf("crypto: unsupported sealed seed version %d", stored.Version)
	}
	iterations := stored.Iterations
	if iterations <= 0 {
		iterations = pbkdf2Iterations
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt, iterations)
	if err != nil {
		return nil, err
	}
	seed, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed (wrong passphrase?): %w", err)
	}
	return seed, nil
}

// LoadSeed resolves the issuer seed: the raw hex seed if set, otherwise the
// sealed file opened with the passphrase.
func LoadSeed(cfg SeedConfig) ([]byte, error) {
	if cfg.RawSeedHex != "" {
		seed, err := hex.DecodeString(strings.TrimPrefix(cfg.RawSeedHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("crypto: raw seed is not valid hex: %w", err)
		}
		if len(seed) < MinSeedLen {
			return nil, fmt.Errorf("crypto: seed must be at least %d bytes, got %d", MinSeedLen, len(seed))
		}
		return seed, nil
	}
	if cfg.SealedSeedPath != "" {
		data, err := os.ReadFile(cfg.SealedSeedPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading sealed seed: %w", err)
		}
		return OpenSeed(data, cfg.Passphrase)
	}
	return nil, errors.New("crypto: no issuer seed configured (set a raw seed or a sealed seed file)")
}

// GenerateSeed returns a fresh random 32-byte seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("crypto: generating seed: %w", err)
	}
	return seed, nil
}

func newGCM(passphrase string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
