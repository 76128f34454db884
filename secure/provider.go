// Package secure isolates the cryptographic primitives consumed by the
// cache and the console interceptor. Core logic is testable against a
// deterministic stub Provider.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AEAD key length in bytes.
	KeySize = 32

	// NonceSize is the AEAD nonce length in bytes for both supported
	// algorithms.
	NonceSize = 12

	// TagSize is the AEAD authentication tag length in bytes.
	TagSize = 16

	// MinKDFIterations is the floor enforced for password contexts.
	MinKDFIterations = 100000

	AlgorithmAESGCM   = "aes-256-gcm"
	AlgorithmChaCha20 = "chacha20-poly1305"
)

// CryptoError reports an invalid cryptographic operation (bad key length,
// unsupported algorithm, stale envelope). Distinct from AuthError.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("crypto: %s failed", e.Op)
	}
	return fmt.Sprintf("crypto: %s failed: %s", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// AuthError reports an AEAD authentication tag mismatch.
type AuthError struct{}

func (e *AuthError) Error() string { return "crypto: message authentication failed" }

// Provider is the capability surface the core consumes. Implementations
// must be safe for concurrent use.
type Provider interface {
	Algorithm() string
	AEADEncrypt(key, nonce, plaintext, associatedData []byte) (ciphertext, authTag []byte, err error)
	AEADDecrypt(key, nonce, ciphertext, authTag, associatedData []byte) ([]byte, error)
	KDF(password, salt []byte, iterations, outLen int) ([]byte, error)
	RandomBytes(n int) ([]byte, error)
	ConstantTimeEqual(a, b []byte) bool
}

type stdProvider struct {
	algorithm string
}

// NewProvider returns the primary provider backed by AES-256-GCM.
func NewProvider() Provider {
	return &stdProvider{algorithm: AlgorithmAESGCM}
}

// NewChaChaProvider returns the fallback provider backed by
// ChaCha20-Poly1305, for hosts without AES hardware support.
func NewChaChaProvider() Provider {
	return &stdProvider{algorithm: AlgorithmChaCha20}
}

// ProviderFor returns a provider for the named algorithm.
func ProviderFor(algorithm string) (Provider, error) {
	switch algorithm {
	case AlgorithmAESGCM, AlgorithmChaCha20:
		return &stdProvider{algorithm: algorithm}, nil
	}
	return nil, &CryptoError{Op: "provider", Err: fmt.Errorf("unsupported algorithm %q", algorithm)}
}

func (p *stdProvider) Algorithm() string { return p.algorithm }

func (p *stdProvider) aead(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, &CryptoError{Op: "aead", Err: fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))}
	}
	switch p.algorithm {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, &CryptoError{Op: "aead", Err: err}
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20:
		return chacha20poly1305.New(key)
	}
	return nil, &CryptoError{Op: "aead", Err: fmt.Errorf("unsupported algorithm %q", p.algorithm)}
}

func (p *stdProvider) AEADEncrypt(key, nonce, plaintext, associatedData []byte) ([]byte, []byte, error) {
	aead, err := p.aead(key)
	if err != nil {
		return nil, nil, err
	}
	if len(nonce) != NonceSize {
		return nil, nil, &CryptoError{Op: "encrypt", Err: fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))}
	}
	sealed := aead.Seal(nil, nonce, plaintext, associatedData)
	split := len(sealed) - TagSize
	return sealed[:split], sealed[split:], nil
}

func (p *stdProvider) AEADDecrypt(key, nonce, ciphertext, authTag, associatedData []byte) ([]byte, error) {
	aead, err := p.aead(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, &CryptoError{Op: "decrypt", Err: fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))}
	}
	sealed := make([]byte, 0, len(ciphertext)+len(authTag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)
	plaintext, err := aead.Open(nil, nonce, sealed, associatedData)
	if err != nil {
		return nil, &AuthError{}
	}
	return plaintext, nil
}

func (p *stdProvider) KDF(password, salt []byte, iterations, outLen int) ([]byte, error) {
	if iterations <= 0 {
		return nil, &CryptoError{Op: "kdf", Err: fmt.Errorf("iterations must be positive, got %d", iterations)}
	}
	if outLen <= 0 {
		return nil, &CryptoError{Op: "kdf", Err: fmt.Errorf("output length must be positive, got %d", outLen)}
	}
	return pbkdf2.Key(password, salt, iterations, outLen, sha256.New), nil
}

func (p *stdProvider) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, &CryptoError{Op: "random", Err: err}
	}
	return b, nil
}

func (p *stdProvider) ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// HMAC computes a keyed digest. Used for derived-key verification in tests
// and by callers that need a MAC without an envelope.
func HMAC(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
