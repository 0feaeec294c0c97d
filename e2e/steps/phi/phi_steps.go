package phi

import (
	"context"
	"fmt"
	"strings"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	GET(path string) error
	LastStatus() int
	GetResponseField(field string) (any, error)
	GetAuthorizationID() string
}

// RegisterSteps registers PHI access step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &phiSteps{tc: tc}

	ctx.Step(`^I read the justification$`, steps.readJustification)
	ctx.Step(`^the justification plaintext should contain "([^"]*)"$`, steps.plaintextShouldContain)
	ctx.Step(`^the response should only carry the justification reference token$`, steps.responseCarriesTokenOnly)
}

type phiSteps struct {
	tc TestContext
}

func (s *phiSteps) readJustification(ctx context.Context) error {
	return s.tc.GET("/authorizations/" + s.tc.GetAuthorizationID() + "/justification")
}

func (s *phiSteps) plaintextShouldContain(ctx context.Context, fragment string) error {
	value, err := s.tc.GetResponseField("justification")
	if err != nil {
		return err
	}
	plaintext, ok := value.(string)
	if !ok {
		return fmt.Errorf("justification field is not a string: %T", value)
	}
	if !strings.Contains(plaintext, fragment) {
		return fmt.Errorf("justification does not contain %q", fragment)
	}
	return nil
}

func (s *phiSteps) responseCarriesTokenOnly(ctx context.Context) error {
	value, err := s.tc.GetResponseField("justification_ref")
	if err != nil {
		return err
	}
	ref, ok := value.(string)
	if !ok || !strings.HasPrefix(ref, "phi:v") {
		return fmt.Errorf("expected a phi reference token, got %v", value)
	}
	return nil
}
