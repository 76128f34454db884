package secure

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeVersion must be increased with each backward-incompatible change
// in the envelope layout.
const EnvelopeVersion = 1

const (
	// DefaultMaxAge is the oldest envelope accepted on open.
	DefaultMaxAge = 24 * time.Hour

	// DefaultClockSkew tolerates envelopes stamped slightly in the future.
	DefaultClockSkew = time.Minute
)

// Envelope wraps an encrypted value together with everything needed to
// decrypt and authenticate it later.
type Envelope struct {
	Algorithm  string `json:"algorithm"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	AuthTag    []byte `json:"authTag"`
	Salt       []byte `json:"salt,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Version    int    `json:"version"`
}

// Seal encrypts plaintext under key with a fresh random nonce.
func Seal(p Provider, key, plaintext, associatedData []byte) (*Envelope, error) {
	nonce, err := p.RandomBytes(NonceSize)
	if err != nil {
		return nil, err
	}
	ciphertext, tag, err := p.AEADEncrypt(key, nonce, plaintext, associatedData)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Algorithm:  p.Algorithm(),
		IV:         nonce,
		Ciphertext: ciphertext,
		AuthTag:    tag,
		Timestamp:  time.Now().Unix(),
		Version:    EnvelopeVersion,
	}, nil
}

// Open authenticates the envelope timestamp window and decrypts. maxAge or
// skew of zero fall back to the package defaults.
func Open(p Provider, key []byte, env *Envelope, associatedData []byte, maxAge, skew time.Duration) ([]byte, error) {
	if env.Version > EnvelopeVersion {
		return nil, &CryptoError{Op: "open", Err: fmt.Errorf("unsupported envelope version %d", env.Version)}
	}
	if env.Algorithm != p.Algorithm() {
		return nil, &CryptoError{Op: "open", Err: fmt.Errorf("envelope algorithm %q does not match provider %q", env.Algorithm, p.Algorithm())}
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	now := time.Now().Unix()
	ts := env.Timestamp
	if ts < now-int64(maxAge.Seconds()) || ts > now+int64(skew.Seconds()) {
		return nil, &CryptoError{Op: "open", Err: fmt.Errorf("envelope timestamp %d outside acceptance window", ts)}
	}
	return p.AEADDecrypt(key, env.IV, env.Ciphertext, env.AuthTag, associatedData)
}

// Marshal encodes the envelope for storage.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a stored envelope. It returns false when the
// bytes are clearly not an envelope, which lets callers fall through to
// plaintext handling during rollout.
func UnmarshalEnvelope(b []byte) (*Envelope, bool) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, false
	}
	if e.Algorithm == "" || len(e.IV) == 0 || e.Version == 0 {
		return nil, false
	}
	return &e, true
}
