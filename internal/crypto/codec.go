// Package crypto implements the PHI field codec: authenticated symmetric
// encryption of individual field values with versioned keys.
//
// Invariants:
//   - ciphertext embeds the key version so rotation never invalidates
//     previously stored data;
//   - plaintext never reaches audit records or logs; snapshots carry the
//     field's redaction token instead;
//   - every decrypt attempt, allowed or denied, produces an audit read event.
package crypto

import (
	"context"
	crand "crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	id "priorauth/pkg/domain"
	dErrors "priorauth/pkg/domain-errors"
	"priorauth/pkg/requestcontext"
)

// AlgorithmXChaCha20Poly1305 identifies the AEAD used for new ciphertext.
const AlgorithmXChaCha20Poly1305 = "xchacha20poly1305"

// EncryptedField wraps one encrypted PHI attribute. It is owned by the
// entity row that contains it and is never shared between rows.
type EncryptedField struct {
	FieldID    string `json:"field_id"`
	Algorithm  string `json:"algorithm"`
	KeyVersion int    `json:"key_version"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// IsZero reports whether the field holds no ciphertext.
func (f EncryptedField) IsZero() bool { return len(f.Ciphertext) == 0 }

// Token returns the redaction reference for audit snapshots: key version
// plus field identifier, never ciphertext or plaintext. A tightly
// access-controlled path can resolve it back through Decrypt when legally
// required.
func (f EncryptedField) Token() string {
	return fmt.Sprintf("phi:v%d:%s", f.KeyVersion, f.FieldID)
}

// ReadAuditor records PHI read attempts. The workflow layer adapts the
// audit recorder onto this port so crypto stays free of store concerns.
type ReadAuditor interface {
	RecordPHIRead(ctx context.Context, actor id.ActorID, fieldID string, decision string) error
}

// Codec encrypts and decrypts PHI field values against a keyring.
type Codec struct {
	keyring *Keyring
	auditor ReadAuditor
	allowed map[string]bool
}

// Option configures the Codec.
type Option func(*Codec)

// WithReadAuditor sets the auditor notified on every decrypt attempt.
func WithReadAuditor(a ReadAuditor) Option {
	return func(c *Codec) { c.auditor = a }
}

// WithAllowedRoles sets the role capability set permitted to decrypt PHI.
func WithAllowedRoles(roles []string) Option {
	return func(c *Codec) {
		c.allowed = make(map[string]bool, len(roles))
		for _, r := range roles {
			c.allowed[r] = true
		}
	}
}

// NewCodec builds a codec over the given keyring.
func NewCodec(keyring *Keyring, opts ...Option) *Codec {
	c := &Codec{keyring: keyring, allowed: map[string]bool{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encrypt encrypts plaintext under the keyring's active version.
func (c *Codec) Encrypt(plaintext, fieldID string) (EncryptedField, error) {
	return c.EncryptWithVersion(plaintext, fieldID, c.keyring.ActiveVersion())
}

// EncryptWithVersion encrypts plaintext under a specific key version.
// Used by re-encryption jobs; normal writes use Encrypt.
func (c *Codec) EncryptWithVersion(plaintext, fieldID string, keyVersion int) (EncryptedField, error) {
	if fieldID == "" {
		return EncryptedField{}, dErrors.New(dErrors.CodeInvalidInput, "field id is required")
	}
	key, ok := c.keyring.key(keyVersion)
	if !ok {
		return EncryptedField{}, dErrors.Newf(dErrors.CodeInvalidInput, "unknown key version %d", keyVersion)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return EncryptedField{}, dErrors.Wrap(err, dErrors.CodeInternal, "init aead")
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := crand.Read(nonce); err != nil {
		return EncryptedField{}, dErrors.Wrap(err, dErrors.CodeInternal, "generate nonce")
	}
	// The field id is bound as additional data so a ciphertext cannot be
	// replayed into a different field.
	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), []byte(fieldID))
	return EncryptedField{
		FieldID:    fieldID,
		Algorithm:  AlgorithmXChaCha20Poly1305,
		KeyVersion: keyVersion,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Decrypt returns the plaintext of an encrypted field after enforcing the
// PHI capability check against the context's actor roles. Every attempt is
// recorded as an audit read event, including denials.
func (c *Codec) Decrypt(ctx context.Context, field EncryptedField) (string, error) {
	actor := requestcontext.Actor(ctx)
	if !c.actorAllowed(ctx) {
		c.auditRead(ctx, actor, field.FieldID, "denied")
		return "", dErrors.New(dErrors.CodeDecryptionDenied, "actor role not permitted to read PHI")
	}

	key, ok := c.keyring.key(field.KeyVersion)
	if !ok {
		return "", dErrors.Newf(dErrors.CodeInternal, "key version %d not in keyring", field.KeyVersion)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "init aead")
	}
	plaintext, err := aead.Open(nil, field.Nonce, field.Ciphertext, []byte(field.FieldID))
	if err != nil {
		// Integrity failure, not a permission problem. Still audited.
		c.auditRead(ctx, actor, field.FieldID, "integrity_failure")
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "ciphertext authentication failed")
	}

	if err := c.auditRead(ctx, actor, field.FieldID, "allowed"); err != nil {
		// The read happened in memory but cannot be attested; treat as a
		// failed read so the invariant "every PHI access is audited" holds.
		return "", dErrors.Wrap(err, dErrors.CodeAuditWriteFailed, "phi read could not be audited")
	}
	return string(plaintext), nil
}

func (c *Codec) actorAllowed(ctx context.Context) bool {
	if requestcontext.Actor(ctx) == id.SystemActor {
		return true
	}
	for _, role := range requestcontext.Roles(ctx) {
		if c.allowed[role] {
			return true
		}
	}
	return false
}

func (c *Codec) auditRead(ctx context.Context, actor id.ActorID, fieldID, decision string) error {
	if c.auditor == nil {
		return nil
	}
	return c.auditor.RecordPHIRead(ctx, actor, fieldID, decision)
}
