package token

import "github.com/MrEthical07/authgate/store"

// Key layout under the configured prefix:
//
//	rev:<jti>                   revoked access token
//	famrev:<family>             revoked refresh family
//	subrev:<subject>            subject revocation epoch (unix ms)
//	fam:<subject>:<family>      family metadata
//	used:<jti>                  consumed refresh token
//	ak:<keyId>                  API key record
//	ak:<keyId>:used             API key last use

func (m *Manager) revokedKey(jti string) string {
	return store.Key(m.prefix, "rev", jti)
}

func (m *Manager) familyRevokedKey(family string) string {
	return store.Key(m.prefix, "famrev", family)
}

func (m *Manager) subjectEpochKey(subject string) string {
	return store.Key(m.prefix, "subrev", subject)
}

func (m *Manager) familyKey(subject, family string) string {
	return store.Key(m.prefix, "fam", subject, family)
}

func (m *Manager) subjectFamiliesPattern(subject string) string {
	return store.Key(store.EscapePattern(m.prefix), "fam", store.EscapePattern(subject), "*")
}

func (m *Manager) consumedKey(jti string) string {
	return store.Key(m.prefix, "used", jti)
}

func (m *Manager) apiKeyKey(keyID string) string {
	return store.Key(m.prefix, "ak", keyID)
}

func (m *Manager) apiKeyUsedKey(keyID string) string {
	return store.Key(m.prefix, "ak", keyID, "used")
}
