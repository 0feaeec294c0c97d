package e2e

import (
	"github.com/cucumber/godog"

	"priorauth/e2e/steps/authorization"
	"priorauth/e2e/steps/common"
	"priorauth/e2e/steps/phi"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	// Register common steps (availability, authentication, assertions)
	common.RegisterSteps(ctx, tc)

	// Register authorization lifecycle steps
	authorization.RegisterSteps(ctx, tc)

	// Register PHI access steps
	phi.RegisterSteps(ctx, tc)
}
