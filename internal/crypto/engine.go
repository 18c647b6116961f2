// Package crypto implements the vault's encryption engine: authenticated
// encryption of JSON-serializable secret values under a process-wide master
// key, with a per-value random salt and IV so identical plaintexts never
// produce identical ciphertexts.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rendis/credvault/pkg/schema"
)

const (
	// MasterKeySize is the required master key length in bytes.
	MasterKeySize = 32

	saltSize   = 16
	ivSize     = 16
	tagSize    = 16
	iterations = 100_000
)

// SealedValue carries the ciphertext and the authenticated-encryption
// parameters needed to decrypt it. It never contains plaintext.
type SealedValue struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
	Salt       []byte
}

// Engine encrypts and decrypts secret values with AES-256-GCM under keys
// derived from the master key via PBKDF2-HMAC-SHA256 (100k iterations).
// The master key is held in memory only and never persisted.
type Engine struct {
	masterKey   []byte
	fingerprint string
}

// NewEngine creates an engine from a raw master key. The key must be
// exactly 32 bytes; the engine refuses to operate otherwise.
func NewEngine(masterKey []byte) (*Engine, error) {
	if len(masterKey) != MasterKeySize {
		return nil, schema.NewErrorf(schema.ErrCodeEncryption,
			"master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	sum := sha256.Sum256(masterKey)
	key := make([]byte, MasterKeySize)
	copy(key, masterKey)
	return &Engine{
		masterKey:   key,
		fingerprint: hex.EncodeToString(sum[:]),
	}, nil
}

// NewEngineFromHex creates an engine from the 64-hex-character form the
// master key takes in the environment.
func NewEngineFromHex(hexKey string) (*Engine, error) {
	if hexKey == "" {
		return nil, schema.NewError(schema.ErrCodeEncryption, "master key is not set")
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeEncryption,
			"master key must be 64 hex characters").WithCause(err)
	}
	return NewEngine(key)
}

// Fingerprint returns the hex SHA-256 of the master key. It identifies the
// key in the encryption_keys registry without ever exposing key material.
func (e *Engine) Fingerprint() string { return e.fingerprint }

// Encrypt seals a JSON-serializable value. Salt and IV are freshly random
// on every call, so encrypting the same value twice yields different output.
func (e *Engine) Encrypt(value any) (*SealedValue, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeEncryption,
			"value is not JSON-serializable").WithCause(err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	aead, err := e.aead(salt)
	if err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	n := len(sealed) - tagSize
	return &SealedValue{
		Ciphertext: sealed[:n],
		IV:         iv,
		AuthTag:    sealed[n:],
		Salt:       salt,
	}, nil
}

// Decrypt re-derives the key from the stored salt and opens the ciphertext.
// Tag verification is part of decryption: any bit-flip in ciphertext or tag,
// or a wrong master key, fails with a DECRYPTION_ERROR and never yields
// partial plaintext.
func (e *Engine) Decrypt(sv *SealedValue) (any, error) {
	if sv == nil {
		return nil, schema.NewError(schema.ErrCodeDecryption, "nothing to decrypt")
	}
	if len(sv.IV) != ivSize || len(sv.AuthTag) != tagSize || len(sv.Salt) != saltSize {
		return nil, schema.NewError(schema.ErrCodeDecryption, "malformed encryption parameters")
	}

	aead, err := e.aead(sv.Salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(sv.Ciphertext)+tagSize)
	sealed = append(sealed, sv.Ciphertext...)
	sealed = append(sealed, sv.AuthTag...)

	plaintext, err := aead.Open(nil, sv.IV, sealed, nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDecryption,
			"authentication failed: ciphertext tampered or wrong master key").WithCause(err)
	}

	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return nil, schema.NewError(schema.ErrCodeDecryption,
			"decrypted payload is not valid JSON").WithCause(err)
	}
	return value, nil
}

func (e *Engine) aead(salt []byte) (cipher.AEAD, error) {
	key, err := pbkdf2.Key(sha256.New, string(e.masterKey), salt, iterations, MasterKeySize)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeEncryption, "derive key").WithCause(err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}
