package authorization

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/cucumber/godog"
	"github.com/google/uuid"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, body any) error
	GET(path string) error
	LastStatus() int
	GetResponseField(field string) (any, error)
	SetAuthorizationID(authID string)
	GetAuthorizationID() string
}

// RegisterSteps registers authorization lifecycle step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &authorizationSteps{tc: tc}

	ctx.Step(`^I create a draft authorization for CPT "([^"]*)"$`, steps.createDraft)
	ctx.Step(`^I submit the authorization$`, steps.submit)
	ctx.Step(`^I submit the authorization through connector "([^"]*)"$`, steps.submitThroughConnector)
	ctx.Step(`^the payer decides "([^"]*)"$`, steps.payerDecides)
	ctx.Step(`^I file an appeal$`, steps.fileAppeal)

	ctx.Step(`^the authorization status should be "([^"]*)"$`, steps.statusShouldBe)
	ctx.Step(`^the audit trail should contain (\d+) records$`, steps.auditTrailShouldContain)
}

type authorizationSteps struct {
	tc TestContext
}

func (s *authorizationSteps) createDraft(ctx context.Context, cptCodes string) error {
	authID := fmt.Sprintf("PA-E2E-%06d", rand.Intn(1000000))
	body := map[string]any{
		"id":             authID,
		"patient_id":     uuid.NewString(),
		"insurance_id":   uuid.NewString(),
		"cpt_codes":      strings.Split(cptCodes, ","),
		"icd10_codes":    []string{"E11.9"},
		"treatment_type": "outpatient",
		"justification":  "Patient requires continued treatment per attached clinical notes.",
	}
	if err := s.tc.POST("/authorizations", body); err != nil {
		return err
	}
	if s.tc.LastStatus() == 201 {
		s.tc.SetAuthorizationID(authID)
	}
	return nil
}

func (s *authorizationSteps) submit(ctx context.Context) error {
	return s.tc.POST("/authorizations/"+s.tc.GetAuthorizationID()+"/submit", nil)
}

func (s *authorizationSteps) submitThroughConnector(ctx context.Context, connectorID string) error {
	body := map[string]any{"connector_id": connectorID}
	return s.tc.POST("/authorizations/"+s.tc.GetAuthorizationID()+"/submit", body)
}

func (s *authorizationSteps) payerDecides(ctx context.Context, decision string) error {
	body := map[string]any{
		"decision":  decision,
		"payer_ref": "E2E-REF-001",
		"actor":     "payer:e2e",
	}
	return s.tc.POST("/authorizations/"+s.tc.GetAuthorizationID()+"/decision", body)
}

func (s *authorizationSteps) fileAppeal(ctx context.Context) error {
	return s.tc.POST("/authorizations/"+s.tc.GetAuthorizationID()+"/appeal", nil)
}

func (s *authorizationSteps) statusShouldBe(ctx context.Context, expected string) error {
	if err := s.tc.GET("/authorizations/" + s.tc.GetAuthorizationID()); err != nil {
		return err
	}
	status, err := s.tc.GetResponseField("status")
	if err != nil {
		return err
	}
	if status != expected {
		return fmt.Errorf("expected status %q, got %v", expected, status)
	}
	return nil
}

func (s *authorizationSteps) auditTrailShouldContain(ctx context.Context, count int) error {
	path := "/audit?entity_type=authorization&entity_id=" + s.tc.GetAuthorizationID()
	if err := s.tc.GET(path); err != nil {
		return err
	}
	records, err := s.tc.GetResponseField("records")
	if err != nil {
		return err
	}
	list, ok := records.([]any)
	if !ok {
		return fmt.Errorf("records field is not a list: %T", records)
	}
	if len(list) != count {
		return fmt.Errorf("expected %d audit records, got %d", count, len(list))
	}
	return nil
}
