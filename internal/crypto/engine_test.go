package crypto

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credvault/pkg/schema"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	key := make([]byte, MasterKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	e, err := NewEngine(key)
	require.NoError(t, err)
	return e
}

func TestEngine_RoundTrip(t *testing.T) {
	e := testEngine(t)

	values := []any{
		"sk-live-abc123",
		map[string]any{"username": "svc", "password": "hunter2"},
		map[string]any{},
		map[string]any{"note": "ünïcødé 🔑 日本語"},
		map[string]any{
			"nested": map[string]any{
				"hosts": []any{"a.internal", "b.internal"},
				"opts":  map[string]any{"tls": true, "pool": float64(20)},
			},
		},
		strings.Repeat("x", 64*1024),
	}

	for _, v := range values {
		sv, err := e.Encrypt(v)
		require.NoError(t, err)
		got, err := e.Decrypt(sv)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestEngine_CiphertextIsNonDeterministic(t *testing.T) {
	e := testEngine(t)

	sv1, err := e.Encrypt("same-value")
	require.NoError(t, err)
	sv2, err := e.Encrypt("same-value")
	require.NoError(t, err)

	assert.False(t, bytes.Equal(sv1.Ciphertext, sv2.Ciphertext))
	assert.False(t, bytes.Equal(sv1.Salt, sv2.Salt))
	assert.False(t, bytes.Equal(sv1.IV, sv2.IV))

	v1, err := e.Decrypt(sv1)
	require.NoError(t, err)
	v2, err := e.Decrypt(sv2)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestEngine_TamperedCiphertext(t *testing.T) {
	e := testEngine(t)

	sv, err := e.Encrypt(map[string]any{"token": "abc"})
	require.NoError(t, err)

	for i := range sv.Ciphertext {
		mutated := *sv
		mutated.Ciphertext = bytes.Clone(sv.Ciphertext)
		mutated.Ciphertext[i] ^= 0x01
		_, err := e.Decrypt(&mutated)
		require.Error(t, err)
		assert.True(t, schema.IsDecryption(err))
	}
}

func TestEngine_TamperedAuthTag(t *testing.T) {
	e := testEngine(t)

	sv, err := e.Encrypt("secret")
	require.NoError(t, err)

	for i := range sv.AuthTag {
		mutated := *sv
		mutated.AuthTag = bytes.Clone(sv.AuthTag)
		mutated.AuthTag[i] ^= 0x80
		_, err := e.Decrypt(&mutated)
		require.Error(t, err)
		assert.True(t, schema.IsDecryption(err))
	}
}

func TestEngine_WrongMasterKey(t *testing.T) {
	e1 := testEngine(t)

	other := make([]byte, MasterKeySize)
	other[0] = 0xFF
	e2, err := NewEngine(other)
	require.NoError(t, err)

	sv, err := e1.Encrypt("hidden")
	require.NoError(t, err)

	_, err = e2.Decrypt(sv)
	require.Error(t, err)
	assert.True(t, schema.IsDecryption(err))
}

func TestEngine_KeyLength(t *testing.T) {
	_, err := NewEngine([]byte("too-short"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeEncryption))

	_, err = NewEngine(make([]byte, 33))
	require.Error(t, err)
}

func TestEngineFromHex(t *testing.T) {
	key := make([]byte, MasterKeySize)
	key[31] = 0x7F
	e, err := NewEngineFromHex(hex.EncodeToString(key))
	require.NoError(t, err)

	sv, err := e.Encrypt("v")
	require.NoError(t, err)
	got, err := e.Decrypt(sv)
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestEngineFromHex_Invalid(t *testing.T) {
	_, err := NewEngineFromHex("")
	require.Error(t, err)

	_, err = NewEngineFromHex("not-hex-at-all")
	require.Error(t, err)

	_, err = NewEngineFromHex("abcd") // valid hex, wrong length
	require.Error(t, err)
}

func TestEngine_Fingerprint(t *testing.T) {
	e1 := testEngine(t)
	e2 := testEngine(t)
	assert.Equal(t, e1.Fingerprint(), e2.Fingerprint())
	assert.Len(t, e1.Fingerprint(), 64)

	other, err := NewEngine(make([]byte, MasterKeySize))
	require.NoError(t, err)
	assert.NotEqual(t, e1.Fingerprint(), other.Fingerprint())
}

func TestEngine_DecryptMalformedParams(t *testing.T) {
	e := testEngine(t)

	sv, err := e.Encrypt("v")
	require.NoError(t, err)

	short := *sv
	short.Salt = sv.Salt[:8]
	_, err = e.Decrypt(&short)
	require.Error(t, err)
	assert.True(t, schema.IsDecryption(err))

	_, err = e.Decrypt(nil)
	require.Error(t, err)
}
