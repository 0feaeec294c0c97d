// Package domain holds typed identifiers and shared value objects.
//
// IDs are distinct types so the compiler rejects cross-type assignment;
// construct them via the Parse* functions at trust boundaries.
package domain

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	dErrors "priorauth/pkg/domain-errors"
)

// AuthorizationID is the human-readable, globally unique identifier of a
// prior-authorization request (e.g. "PA-2026-000142").
type AuthorizationID string

// authorizationIDPattern constrains IDs to the printable, URL-safe subset
// used across the system. Uppercase letters, digits and dashes only.
var authorizationIDPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{2,63}$`)

// ParseAuthorizationID constructs an AuthorizationID from external input.
//
// Errors: returns CodeInvalidInput when the value is empty, too long, or
// contains characters outside the allowed set.
func ParseAuthorizationID(s string) (AuthorizationID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "authorization id cannot be empty")
	}
	if !authorizationIDPattern.MatchString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "authorization id has invalid format")
	}
	return AuthorizationID(s), nil
}

func (id AuthorizationID) String() string { return string(id) }

// ActorID identifies who performed an action: a user id, a connector
// identity, or the reserved system actor for background work.
type ActorID string

// SystemActor is used by background processes such as the expiry sweep.
const SystemActor ActorID = "system"

// ParseActorID constructs an ActorID from external input.
func ParseActorID(s string) (ActorID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "actor id cannot be empty")
	}
	if len(s) > 128 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "actor id too long")
	}
	return ActorID(s), nil
}

func (id ActorID) String() string { return string(id) }

// PatientID references a patient record held outside this core.
type PatientID uuid.UUID

// ParsePatientID constructs a PatientID from a UUID string.
func ParsePatientID(s string) (PatientID, error) {
	u, err := parseUUID(s)
	if err != nil {
		return PatientID{}, err
	}
	return PatientID(u), nil
}

func (id PatientID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id PatientID) String() string { return uuid.UUID(id).String() }

// InsuranceID references the payer/plan an authorization is submitted to.
type InsuranceID uuid.UUID

// ParseInsuranceID constructs an InsuranceID from a UUID string.
func ParseInsuranceID(s string) (InsuranceID, error) {
	u, err := parseUUID(s)
	if err != nil {
		return InsuranceID{}, err
	}
	return InsuranceID(u), nil
}

func (id InsuranceID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id InsuranceID) String() string { return uuid.UUID(id).String() }

// CorrelationID ties an operation to every audit record and external
// request it produced.
type CorrelationID uuid.UUID

// NewCorrelationID generates a fresh correlation id.
func NewCorrelationID() CorrelationID { return CorrelationID(uuid.New()) }

// ParseCorrelationID constructs a CorrelationID from a UUID string.
func ParseCorrelationID(s string) (CorrelationID, error) {
	u, err := parseUUID(s)
	if err != nil {
		return CorrelationID{}, err
	}
	return CorrelationID(u), nil
}

func (id CorrelationID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id CorrelationID) String() string { return uuid.UUID(id).String() }

// parseUUID enforces the shared invariant: valid, non-empty, non-nil UUID.
func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must be a valid UUID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id cannot be the nil UUID")
	}
	return u, nil
}
