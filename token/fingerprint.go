package token

import (
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/crypto/blake2b"
)

const (
	domainFingerprint = "fingerprint"
	domainAPIKey      = "api-key"
)

// digest is a keyed BLAKE2b-256 over a domain label and value.
func (m *Manager) digest(domain, value string) []byte {
	h, err := blake2b.New256(m.hashKey)
	if err != nil {
		// Key length is validated in New.
		panic(err)
	}
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write([]byte(value))
	return h.Sum(nil)
}

// FingerprintHash returns the claim value binding a token to fingerprint. Empty input
// yields an empty binding.
func (m *Manager) FingerprintHash(fingerprint string) string {
	if fingerprint == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(m.digest(domainFingerprint, fingerprint))
}

// checkFingerprint enforces the binding stored in a token against the presented value.
func (m *Manager) checkFingerprint(bound, presented string) error {
	if bound == "" {
		if m.requireFingerprint {
			return ErrInvalid
		}
		return nil
	}
	if presented == "" {
		return ErrInvalid
	}
	want, err := base64.RawURLEncoding.DecodeString(bound)
	if err != nil {
		return ErrInvalid
	}
	got := m.digest(domainFingerprint, presented)
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return ErrInvalid
	}
	return nil
}
