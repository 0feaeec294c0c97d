package connector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	id "priorauth/pkg/domain"
)

// Operation names one call on a payer connector.
type Operation string

const (
	OpSubmit     Operation = "submit"
	OpPollStatus Operation = "poll_status"
)

// Outcome of one outbound attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient_error"
	OutcomeRejected  Outcome = "rejected"
	OutcomeAuthRetry Outcome = "auth_retry"
	OutcomeCancelled Outcome = "cancelled"
)

// Payload is the uniform request shape handed to a connector. The clinical
// justification travels only as its redaction token; concrete connectors
// that must transmit clinical text to a payer resolve it through the
// tightly controlled decrypt path, never from this struct.
type Payload struct {
	AuthorizationID  id.AuthorizationID `json:"authorization_id"`
	PatientID        string             `json:"patient_id"`
	InsuranceID      string             `json:"insurance_id"`
	CPTCodes         []string           `json:"cpt_codes"`
	ICD10Codes       []string           `json:"icd10_codes"`
	TreatmentType    string             `json:"treatment_type"`
	JustificationRef string             `json:"justification_ref,omitempty"`
	PayerRef         string             `json:"payer_ref,omitempty"`
}

// Hash returns the SHA-256 of the canonical JSON payload. ExternalRequest
// rows store this hash, never the raw payload, so no PHI can leak through
// the request log.
func (p Payload) Hash() string {
	raw, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Decision carried by a status-bearing payer response.
type Decision string

const (
	DecisionAcknowledged Decision = "acknowledged"
	DecisionApproved     Decision = "approved"
	DecisionDenied       Decision = "denied"
	DecisionPending      Decision = "pending"
)

// StatusUpdate is the parsed result of a payer response. Status-bearing
// updates feed back into the state machine with the connector's own actor
// identity.
type StatusUpdate struct {
	PayerRef string
	Decision Decision
	Reason   string
}

// RawResponse is the unparsed wire response from a payer system.
// Connectors return it even for HTTP error statuses; only transport
// failures surface as errors.
type RawResponse struct {
	StatusCode int
	Body       []byte
}

// ExternalRequest records one outbound call attempt. Owned by the gateway;
// referenced, not owned, by the authorization it was made on behalf of.
type ExternalRequest struct {
	ID              uuid.UUID
	ConnectorID     string
	AuthorizationID id.AuthorizationID
	Operation       Operation
	PayloadHash     string
	ResponseStatus  int
	RetryCount      int
	Outcome         Outcome
	CorrelationID   id.CorrelationID
	Timestamp       time.Time
}
