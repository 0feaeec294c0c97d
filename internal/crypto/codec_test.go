package crypto

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "priorauth/pkg/domain"
	dErrors "priorauth/pkg/domain-errors"
	"priorauth/pkg/requestcontext"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, KeySize)
	kr, err := LoadKeyring(map[int][]byte{1: key}, 1)
	require.NoError(t, err)
	return kr
}

func readerCtx() context.Context {
	ctx := requestcontext.WithActor(context.Background(), id.ActorID("dr-house"))
	return requestcontext.WithRoles(ctx, []string{"clinician"})
}

type fakeReadAuditor struct {
	calls []string
	fail  error
}

func (f *fakeReadAuditor) RecordPHIRead(_ context.Context, actor id.ActorID, fieldID, decision string) error {
	f.calls = append(f.calls, string(actor)+"|"+fieldID+"|"+decision)
	return f.fail
}

func TestCodec_RoundTrip(t *testing.T) {
	codec := NewCodec(testKeyring(t), WithAllowedRoles([]string{"clinician"}))

	field, err := codec.Encrypt("patient reports chest pain on exertion", "PA-1/clinical_justification")
	require.NoError(t, err)
	assert.Equal(t, 1, field.KeyVersion)
	assert.Equal(t, AlgorithmXChaCha20Poly1305, field.Algorithm)
	assert.NotContains(t, string(field.Ciphertext), "chest pain")

	plaintext, err := codec.Decrypt(readerCtx(), field)
	require.NoError(t, err)
	assert.Equal(t, "patient reports chest pain on exertion", plaintext)
}

func TestCodec_RoundTripAfterRotation(t *testing.T) {
	kr := testKeyring(t)
	codec := NewCodec(kr, WithAllowedRoles([]string{"clinician"}))

	oldField, err := codec.Encrypt("justification v1", "PA-1/clinical_justification")
	require.NoError(t, err)

	require.NoError(t, kr.Rotate(2, bytes.Repeat([]byte{0x17}, KeySize)))
	assert.Equal(t, 2, kr.ActiveVersion())

	newField, err := codec.Encrypt("justification v2", "PA-2/clinical_justification")
	require.NoError(t, err)
	assert.Equal(t, 2, newField.KeyVersion)

	// Historical ciphertext under the retired version still decrypts.
	got, err := codec.Decrypt(readerCtx(), oldField)
	require.NoError(t, err)
	assert.Equal(t, "justification v1", got)

	got, err = codec.Decrypt(readerCtx(), newField)
	require.NoError(t, err)
	assert.Equal(t, "justification v2", got)
}

func TestCodec_DecryptDeniedWithoutCapability(t *testing.T) {
	auditor := &fakeReadAuditor{}
	codec := NewCodec(testKeyring(t),
		WithAllowedRoles([]string{"clinician"}),
		WithReadAuditor(auditor),
	)

	field, err := codec.Encrypt("secret", "PA-1/clinical_justification")
	require.NoError(t, err)

	ctx := requestcontext.WithActor(context.Background(), id.ActorID("front-desk"))
	ctx = requestcontext.WithRoles(ctx, []string{"scheduler"})

	_, err = codec.Decrypt(ctx, field)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeDecryptionDenied))

	// The denial itself is audited.
	require.Len(t, auditor.calls, 1)
	assert.Equal(t, "front-desk|PA-1/clinical_justification|denied", auditor.calls[0])
}

func TestCodec_DecryptAuditsAllowedReads(t *testing.T) {
	auditor := &fakeReadAuditor{}
	codec := NewCodec(testKeyring(t),
		WithAllowedRoles([]string{"clinician"}),
		WithReadAuditor(auditor),
	)

	field, err := codec.Encrypt("secret", "PA-1/clinical_justification")
	require.NoError(t, err)

	_, err = codec.Decrypt(readerCtx(), field)
	require.NoError(t, err)

	require.Len(t, auditor.calls, 1)
	assert.Equal(t, "dr-house|PA-1/clinical_justification|allowed", auditor.calls[0])
}

func TestCodec_DecryptFailsWhenAuditFails(t *testing.T) {
	auditor := &fakeReadAuditor{fail: dErrors.New(dErrors.CodeInternal, "sink down")}
	codec := NewCodec(testKeyring(t),
		WithAllowedRoles([]string{"clinician"}),
		WithReadAuditor(auditor),
	)

	field, err := codec.Encrypt("secret", "PA-1/clinical_justification")
	require.NoError(t, err)

	_, err = codec.Decrypt(readerCtx(), field)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeAuditWriteFailed))
}

func TestCodec_TamperedCiphertextRejected(t *testing.T) {
	codec := NewCodec(testKeyring(t), WithAllowedRoles([]string{"clinician"}))

	field, err := codec.Encrypt("secret", "PA-1/clinical_justification")
	require.NoError(t, err)
	field.Ciphertext[0] ^= 0xFF

	_, err = codec.Decrypt(readerCtx(), field)
	require.Error(t, err)
}

func TestCodec_CiphertextBoundToField(t *testing.T) {
	codec := NewCodec(testKeyring(t), WithAllowedRoles([]string{"clinician"}))

	field, err := codec.Encrypt("secret", "PA-1/clinical_justification")
	require.NoError(t, err)

	// Replaying ciphertext into a different field must fail authentication.
	field.FieldID = "PA-2/clinical_justification"
	_, err = codec.Decrypt(readerCtx(), field)
	require.Error(t, err)
}

func TestEncryptedField_Token(t *testing.T) {
	codec := NewCodec(testKeyring(t))
	field, err := codec.Encrypt("secret", "PA-1/clinical_justification")
	require.NoError(t, err)

	assert.Equal(t, "phi:v1:PA-1/clinical_justification", field.Token())
	assert.NotContains(t, field.Token(), "secret")
}

func TestKeyring_RejectsBadMaterial(t *testing.T) {
	_, err := LoadKeyring(nil, 1)
	require.Error(t, err)

	_, err = LoadKeyring(map[int][]byte{1: []byte("short")}, 1)
	require.Error(t, err)

	_, err = LoadKeyring(map[int][]byte{1: bytes.Repeat([]byte{1}, KeySize)}, 9)
	require.Error(t, err)

	kr := testKeyring(t)
	require.Error(t, kr.Rotate(1, bytes.Repeat([]byte{1}, KeySize)), "rotation must move forward")
}
