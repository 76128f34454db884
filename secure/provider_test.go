package secure

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testKey(t *testing.T, p Provider) []byte {
	t.Helper()
	key, err := p.RandomBytes(KeySize)
	assert.NoError(t, err)
	return key
}

func TestProviderFor(t *testing.T) {
	for _, alg := range []string{AlgorithmAESGCM, AlgorithmChaCha20} {
		p, err := ProviderFor(alg)
		assert.NoError(t, err)
		assert.Equal(t, alg, p.Algorithm())
	}
	_, err := ProviderFor("rot13")
	assert.Error(t, err)
}

func TestAEADRoundTrip(t *testing.T) {
	for _, p := range []Provider{NewProvider(), NewChaChaProvider()} {
		key := testKey(t, p)
		nonce, err := p.RandomBytes(NonceSize)
		assert.NoError(t, err)

		plaintext := []byte("the quick brown fox")
		ad := []byte("cache:key:v1")

		ciphertext, tag, err := p.AEADEncrypt(key, nonce, plaintext, ad)
		assert.NoError(t, err)
		assert.Len(t, tag, TagSize)
		assert.NotEqual(t, plaintext, ciphertext)

		got, err := p.AEADDecrypt(key, nonce, ciphertext, tag, ad)
		assert.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestAEADAuthFailures(t *testing.T) {
	p := NewProvider()
	key := testKey(t, p)
	nonce, _ := p.RandomBytes(NonceSize)
	ciphertext, tag, err := p.AEADEncrypt(key, nonce, []byte("payload"), []byte("ad"))
	assert.NoError(t, err)

	// flipped ciphertext bit
	bad := append([]byte(nil), ciphertext...)
	bad[0] ^= 0x01
	_, err = p.AEADDecrypt(key, nonce, bad, tag, []byte("ad"))
	assert.IsType(t, &AuthError{}, err)

	// wrong associated data
	_, err = p.AEADDecrypt(key, nonce, ciphertext, tag, []byte("other"))
	assert.IsType(t, &AuthError{}, err)

	// wrong key
	other := testKey(t, p)
	_, err = p.AEADDecrypt(other, nonce, ciphertext, tag, []byte("ad"))
	assert.IsType(t, &AuthError{}, err)
}

func TestAEADKeyAndNonceValidation(t *testing.T) {
	p := NewProvider()
	_, _, err := p.AEADEncrypt(make([]byte, 16), make([]byte, NonceSize), []byte("x"), nil)
	assert.Error(t, err)
	var ce *CryptoError
	assert.ErrorAs(t, err, &ce)

	key := testKey(t, p)
	_, _, err = p.AEADEncrypt(key, make([]byte, 8), []byte("x"), nil)
	assert.Error(t, err)
}

func TestKDF(t *testing.T) {
	p := NewProvider()
	salt := []byte("somesalt")

	k1, err := p.KDF([]byte("password"), salt, MinKDFIterations, KeySize)
	assert.NoError(t, err)
	assert.Len(t, k1, KeySize)

	// deterministic for identical inputs
	k2, err := p.KDF([]byte("password"), salt, MinKDFIterations, KeySize)
	assert.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := p.KDF([]byte("password"), []byte("othersalt"), MinKDFIterations, KeySize)
	assert.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	_, err = p.KDF([]byte("password"), salt, 0, KeySize)
	assert.Error(t, err)
	_, err = p.KDF([]byte("password"), salt, MinKDFIterations, 0)
	assert.Error(t, err)
}

func TestRandomBytes(t *testing.T) {
	p := NewProvider()
	a, err := p.RandomBytes(32)
	assert.NoError(t, err)
	b, err := p.RandomBytes(32)
	assert.NoError(t, err)
	assert.Len(t, a, 32)
	assert.False(t, bytes.Equal(a, b))
}

func TestConstantTimeEqual(t *testing.T) {
	p := NewProvider()
	assert.True(t, p.ConstantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, p.ConstantTimeEqual([]byte("abc"), []byte("abd")))
	assert.False(t, p.ConstantTimeEqual([]byte("abc"), []byte("abcd")))
}

func TestHMAC(t *testing.T) {
	d1 := HMAC([]byte("key"), []byte("data"))
	d2 := HMAC([]byte("key"), []byte("data"))
	d3 := HMAC([]byte("key2"), []byte("data"))
	assert.Equal(t, d1, d2)
	assert.NotEqual(t, d1, d3)
	assert.Len(t, d1, 32)
}

func TestEnvelopeSealOpen(t *testing.T) {
	p := NewProvider()
	key := testKey(t, p)

	env, err := Seal(p, key, []byte("cached value"), []byte("k1"))
	assert.NoError(t, err)
	assert.Equal(t, AlgorithmAESGCM, env.Algorithm)
	assert.Equal(t, EnvelopeVersion, env.Version)

	got, err := Open(p, key, env, []byte("k1"), 0, 0)
	assert.NoError(t, err)
	assert.Equal(t, []byte("cached value"), got)

	// envelope bound to its associated data
	_, err = Open(p, key, env, []byte("k2"), 0, 0)
	assert.IsType(t, &AuthError{}, err)
}

func TestEnvelopeWindow(t *testing.T) {
	p := NewProvider()
	key := testKey(t, p)
	env, err := Seal(p, key, []byte("v"), nil)
	assert.NoError(t, err)

	env.Timestamp = time.Now().Add(-2 * time.Hour).Unix()
	_, err = Open(p, key, env, nil, time.Hour, 0)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "acceptance window")

	env.Timestamp = time.Now().Add(10 * time.Minute).Unix()
	_, err = Open(p, key, env, nil, time.Hour, time.Minute)
	assert.Error(t, err)
}

func TestEnvelopeVersionAndAlgorithmChecks(t *testing.T) {
	p := NewProvider()
	key := testKey(t, p)
	env, err := Seal(p, key, []byte("v"), nil)
	assert.NoError(t, err)

	bumped := *env
	bumped.Version = EnvelopeVersion + 1
	_, err = Open(p, key, &bumped, nil, 0, 0)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported envelope version")

	chacha := NewChaChaProvider()
	_, err = Open(chacha, key, env, nil, 0, 0)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "does not match provider")
}

func TestEnvelopeMarshalRoundTrip(t *testing.T) {
	p := NewProvider()
	key := testKey(t, p)
	env, err := Seal(p, key, []byte("round trip"), []byte("k"))
	assert.NoError(t, err)

	b, err := env.Marshal()
	assert.NoError(t, err)

	back, ok := UnmarshalEnvelope(b)
	assert.True(t, ok)
	got, err := Open(p, key, back, []byte("k"), 0, 0)
	assert.NoError(t, err)
	assert.Equal(t, []byte("round trip"), got)
}

func TestUnmarshalEnvelopeRejectsPlaintext(t *testing.T) {
	_, ok := UnmarshalEnvelope([]byte("just a string"))
	assert.False(t, ok)

	_, ok = UnmarshalEnvelope([]byte(`{"foo": 1}`))
	assert.False(t, ok)
}
