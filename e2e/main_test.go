package e2e

import (
	"context"
	"os"
	"testing"

	"github.com/cucumber/godog"
)

func TestFeatures(t *testing.T) {
	baseURL := os.Getenv("PRIORAUTH_E2E_BASE_URL")
	signingKey := os.Getenv("PRIORAUTH_E2E_SIGNING_KEY")
	if baseURL == "" || signingKey == "" {
		t.Skip("PRIORAUTH_E2E_BASE_URL and PRIORAUTH_E2E_SIGNING_KEY must be set")
	}

	tc := NewTestContext(baseURL, []byte(signingKey))

	suite := godog.TestSuite{
		ScenarioInitializer: func(ctx *godog.ScenarioContext) {
			ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
				tc.Reset()
				return ctx, nil
			})
			RegisterSteps(ctx, tc)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("one or more scenarios failed")
	}
}
