// Package httptransport is the thin HTTP layer over the workflow service.
// Handlers validate shape and delegate; business rules live in the machine
// guards. Ciphertext and plaintext PHI never appear in responses except on
// the tightly scoped justification endpoint.
package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"priorauth/internal/audit"
	"priorauth/internal/authorization"
	"priorauth/internal/connector"
	"priorauth/internal/transport/http/shared"
	"priorauth/internal/workflow"
	id "priorauth/pkg/domain"
	dErrors "priorauth/pkg/domain-errors"
	"priorauth/pkg/requestcontext"
)

// Service is the slice of the workflow façade the transport needs.
type Service interface {
	CreateAuthorization(ctx context.Context, input workflow.CreateInput) (*authorization.Authorization, error)
	SubmitAuthorization(ctx context.Context, authID id.AuthorizationID) (*authorization.Authorization, error)
	SubmitToPayer(ctx context.Context, authID id.AuthorizationID, connectorID string) (*authorization.Authorization, error)
	ApplyPayerDecision(ctx context.Context, authID id.AuthorizationID, update connector.StatusUpdate, actor id.ActorID) (*authorization.Authorization, error)
	FileAppeal(ctx context.Context, authID id.AuthorizationID) (*authorization.Authorization, error)
	GetAuthorization(ctx context.Context, authID id.AuthorizationID) (*authorization.Authorization, error)
	GetAuditTrail(ctx context.Context, filter audit.Filter) ([]audit.Record, error)
	DecryptJustification(ctx context.Context, authID id.AuthorizationID) (string, error)
}

// Handler serves the prior-authorization API.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the authenticated API routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/authorizations", h.handleCreate)
	r.Get("/authorizations/{id}", h.handleGet)
	r.Post("/authorizations/{id}/submit", h.handleSubmit)
	r.Post("/authorizations/{id}/decision", h.handleDecision)
	r.Post("/authorizations/{id}/appeal", h.handleAppeal)
	r.Get("/authorizations/{id}/justification", h.handleJustification)
	r.Get("/audit", h.handleAuditTrail)
}

type createRequest struct {
	ID            string   `json:"id"`
	PatientID     string   `json:"patient_id"`
	InsuranceID   string   `json:"insurance_id"`
	CPTCodes      []string `json:"cpt_codes"`
	ICD10Codes    []string `json:"icd10_codes"`
	TreatmentType string   `json:"treatment_type"`
	Justification string   `json:"justification"`
	DocumentIDs   []string `json:"document_ids,omitempty"`
}

type authorizationResponse struct {
	ID             string     `json:"id"`
	PatientID      string     `json:"patient_id"`
	InsuranceID    string     `json:"insurance_id"`
	CPTCodes       []string   `json:"cpt_codes"`
	ICD10Codes     []string   `json:"icd10_codes"`
	TreatmentType  string     `json:"treatment_type"`
	Justification  string     `json:"justification_ref,omitempty"`
	Status         string     `json:"status"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	AppealedAt     *time.Time `json:"appealed_at,omitempty"`
	AppealDeadline *time.Time `json:"appeal_deadline,omitempty"`
	DocumentIDs    []string   `json:"document_ids,omitempty"`
	Version        int64      `json:"version"`
}

func toResponse(auth *authorization.Authorization) authorizationResponse {
	resp := authorizationResponse{
		ID:             auth.ID.String(),
		PatientID:      auth.PatientID.String(),
		InsuranceID:    auth.InsuranceID.String(),
		TreatmentType:  auth.TreatmentType,
		Status:         string(auth.Status),
		SubmittedAt:    auth.SubmittedAt,
		DecidedAt:      auth.DecidedAt,
		AppealedAt:     auth.AppealedAt,
		AppealDeadline: auth.AppealDeadline,
		DocumentIDs:    auth.DocumentIDs,
		Version:        auth.Version,
	}
	for _, c := range auth.CPTCodes {
		resp.CPTCodes = append(resp.CPTCodes, c.String())
	}
	for _, c := range auth.ICD10Codes {
		resp.ICD10Codes = append(resp.ICD10Codes, c.String())
	}
	if !auth.Justification.IsZero() {
		// Reference token only; the ciphertext never leaves storage.
		resp.Justification = auth.Justification.Token()
	}
	return resp
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	input, err := buildCreateInput(req)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	auth, err := h.service.CreateAuthorization(r.Context(), input)
	if err != nil {
		h.logFailure(r, "create authorization", err)
		shared.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(auth))
}

func buildCreateInput(req createRequest) (workflow.CreateInput, error) {
	authID, err := id.ParseAuthorizationID(req.ID)
	if err != nil {
		return workflow.CreateInput{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid authorization id")
	}
	patientID, err := id.ParsePatientID(req.PatientID)
	if err != nil {
		return workflow.CreateInput{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid patient id")
	}
	insuranceID, err := id.ParseInsuranceID(req.InsuranceID)
	if err != nil {
		return workflow.CreateInput{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid insurance id")
	}
	cpts := make([]id.CPTCode, 0, len(req.CPTCodes))
	for _, raw := range req.CPTCodes {
		code, err := id.ParseCPTCode(raw)
		if err != nil {
			return workflow.CreateInput{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid CPT code")
		}
		cpts = append(cpts, code)
	}
	icds := make([]id.ICD10Code, 0, len(req.ICD10Codes))
	for _, raw := range req.ICD10Codes {
		code, err := id.ParseICD10Code(raw)
		if err != nil {
			return workflow.CreateInput{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid ICD-10 code")
		}
		icds = append(icds, code)
	}
	return workflow.CreateInput{
		ID:            authID,
		PatientID:     patientID,
		InsuranceID:   insuranceID,
		CPTCodes:      cpts,
		ICD10Codes:    icds,
		TreatmentType: req.TreatmentType,
		Justification: req.Justification,
		DocumentIDs:   req.DocumentIDs,
	}, nil
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	authID, err := authIDParam(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	auth, err := h.service.GetAuthorization(r.Context(), authID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(auth))
}

type submitRequest struct {
	// ConnectorID optionally forwards the authorization to a payer right
	// after it enters the pending queue.
	ConnectorID string `json:"connector_id,omitempty"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	authID, err := authIDParam(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req submitRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
			return
		}
	}

	auth, err := h.service.SubmitAuthorization(r.Context(), authID)
	if err != nil {
		h.logFailure(r, "submit authorization", err)
		shared.WriteError(w, err)
		return
	}
	if req.ConnectorID != "" {
		auth, err = h.service.SubmitToPayer(r.Context(), authID, req.ConnectorID)
		if err != nil {
			h.logFailure(r, "submit to payer", err)
			shared.WriteError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, toResponse(auth))
}

type decisionRequest struct {
	Decision string `json:"decision"`
	PayerRef string `json:"payer_ref,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request) {
	authID, err := authIDParam(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	update := connector.StatusUpdate{
		PayerRef: req.PayerRef,
		Decision: connector.Decision(req.Decision),
		Reason:   req.Reason,
	}
	auth, err := h.service.ApplyPayerDecision(r.Context(), authID, update, id.ActorID(req.Actor))
	if err != nil {
		h.logFailure(r, "apply payer decision", err)
		shared.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(auth))
}

func (h *Handler) handleAppeal(w http.ResponseWriter, r *http.Request) {
	authID, err := authIDParam(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	auth, err := h.service.FileAppeal(r.Context(), authID)
	if err != nil {
		h.logFailure(r, "file appeal", err)
		shared.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(auth))
}

// handleJustification is the tightly controlled PHI read path. The codec
// enforces the role capability and audits the read, including denials.
func (h *Handler) handleJustification(w http.ResponseWriter, r *http.Request) {
	authID, err := authIDParam(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	plaintext, err := h.service.DecryptJustification(r.Context(), authID)
	if err != nil {
		h.logFailure(r, "read justification", err)
		shared.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"justification": plaintext})
}

type auditRecordResponse struct {
	Seq           int64          `json:"seq"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         string         `json:"actor"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	Operation     string         `json:"operation"`
	Before        audit.Snapshot `json:"before,omitempty"`
	After         audit.Snapshot `json:"after,omitempty"`
	CorrelationID string         `json:"correlation_id"`
}

func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Actor:      id.ActorID(q.Get("actor")),
		Operation:  audit.Operation(q.Get("operation")),
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid from timestamp"))
			return
		}
		filter.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid to timestamp"))
			return
		}
		filter.To = t
	}

	records, err := h.service.GetAuditTrail(r.Context(), filter)
	if err != nil {
		h.logFailure(r, "list audit trail", err)
		shared.WriteError(w, err)
		return
	}
	out := make([]auditRecordResponse, len(records))
	for i, rec := range records {
		out[i] = auditRecordResponse{
			Seq:           rec.Seq,
			Timestamp:     rec.Timestamp,
			Actor:         rec.Actor.String(),
			EntityType:    rec.EntityType,
			EntityID:      rec.EntityID,
			Operation:     string(rec.Operation),
			Before:        rec.Before,
			After:         rec.After,
			CorrelationID: rec.CorrelationID.String(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

func authIDParam(r *http.Request) (id.AuthorizationID, error) {
	authID, err := id.ParseAuthorizationID(chi.URLParam(r, "id"))
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid authorization id")
	}
	return authID, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) logFailure(r *http.Request, op string, err error) {
	h.logger.WarnContext(r.Context(), op+" failed",
		"error", err,
		"request_id", requestcontext.RequestID(r.Context()),
	)
}
