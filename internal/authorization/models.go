package authorization

import (
	"time"

	"priorauth/internal/audit"
	"priorauth/internal/crypto"
	id "priorauth/pkg/domain"
)

// Status of a prior-authorization request.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusPending  Status = "pending"
	StatusInReview Status = "in_review"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusAppealed Status = "appealed"
	StatusExpired  Status = "expired"
)

// validStatuses is the single source of truth for authorization states.
var validStatuses = map[Status]bool{
	StatusDraft:    true,
	StatusPending:  true,
	StatusInReview: true,
	StatusApproved: true,
	StatusDenied:   true,
	StatusAppealed: true,
	StatusExpired:  true,
}

// IsValid reports whether the status is one of the defined states.
func (s Status) IsValid() bool { return validStatuses[s] }

// IsTerminal reports whether the status admits no further transitions.
// Denied is terminal unless appealed within the window, which the
// transition table models as the single denied → appealed edge.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// Trigger names the event that drives a status transition.
type Trigger string

const (
	TriggerSubmit      Trigger = "submit"
	TriggerAcknowledge Trigger = "payer_acknowledged"
	TriggerApprove     Trigger = "payer_approved"
	TriggerDeny        Trigger = "payer_denied"
	TriggerFileAppeal  Trigger = "appeal_filed"
	TriggerExpire      Trigger = "sla_expired"
	TriggerAdminExpire Trigger = "admin_expired"
)

// Authorization is a prior-authorization request. It is mutated only
// through Machine.Transition and is never physically deleted; retirement
// happens via the expired status or the archive flag so the audit trail
// stays complete.
type Authorization struct {
	ID            id.AuthorizationID
	PatientID     id.PatientID
	InsuranceID   id.InsuranceID
	CPTCodes      []id.CPTCode
	ICD10Codes    []id.ICD10Code
	TreatmentType string

	// Justification is PHI: encrypted at rest, tokenized in snapshots.
	Justification crypto.EncryptedField

	Status         Status
	SubmittedAt    *time.Time
	DecidedAt      *time.Time
	AppealedAt     *time.Time
	AppealDeadline *time.Time

	// ExpiryExempt is set when the authorization reaches a payer decision;
	// from then on the SLA expiry guard never applies to it again.
	ExpiryExempt bool

	Archived    bool
	DocumentIDs []string

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version supports optimistic writes in the store layer.
	Version int64
}

// Clone returns a deep copy. Transitions operate on copies so a rejected
// transition leaves the caller's object untouched.
func (a *Authorization) Clone() *Authorization {
	if a == nil {
		return nil
	}
	out := *a
	out.CPTCodes = append([]id.CPTCode(nil), a.CPTCodes...)
	out.ICD10Codes = append([]id.ICD10Code(nil), a.ICD10Codes...)
	out.DocumentIDs = append([]string(nil), a.DocumentIDs...)
	out.SubmittedAt = cloneTime(a.SubmittedAt)
	out.DecidedAt = cloneTime(a.DecidedAt)
	out.AppealedAt = cloneTime(a.AppealedAt)
	out.AppealDeadline = cloneTime(a.AppealDeadline)
	out.Justification = a.Justification
	out.Justification.Nonce = append([]byte(nil), a.Justification.Nonce...)
	out.Justification.Ciphertext = append([]byte(nil), a.Justification.Ciphertext...)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Snapshot renders the authorization for an audit record. The PHI
// justification appears only as its redaction token.
func (a *Authorization) Snapshot() audit.Snapshot {
	if a == nil {
		return nil
	}
	snap := audit.Snapshot{
		"id":             a.ID.String(),
		"patient_id":     a.PatientID.String(),
		"insurance_id":   a.InsuranceID.String(),
		"cpt_codes":      codeStrings(a.CPTCodes),
		"icd10_codes":    icdStrings(a.ICD10Codes),
		"treatment_type": a.TreatmentType,
		"status":         string(a.Status),
		"expiry_exempt":  a.ExpiryExempt,
		"archived":       a.Archived,
	}
	if !a.Justification.IsZero() {
		snap["justification"] = a.Justification.Token()
	}
	if a.SubmittedAt != nil {
		snap["submitted_at"] = a.SubmittedAt.UTC().Format(time.RFC3339Nano)
	}
	if a.DecidedAt != nil {
		snap["decided_at"] = a.DecidedAt.UTC().Format(time.RFC3339Nano)
	}
	if a.AppealedAt != nil {
		snap["appealed_at"] = a.AppealedAt.UTC().Format(time.RFC3339Nano)
	}
	if a.AppealDeadline != nil {
		snap["appeal_deadline"] = a.AppealDeadline.UTC().Format(time.RFC3339Nano)
	}
	return snap
}

func codeStrings(codes []id.CPTCode) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = c.String()
	}
	return out
}

func icdStrings(codes []id.ICD10Code) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = c.String()
	}
	return out
}
