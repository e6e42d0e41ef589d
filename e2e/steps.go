package e2e

import (
	"github.com/cucumber/godog"

	"shiftgate/e2e/steps/attendance"
	"shiftgate/e2e/steps/common"
	"shiftgate/e2e/steps/ratelimit"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	common.RegisterSteps(ctx, tc)
	attendance.RegisterSteps(ctx, tc)
	ratelimit.RegisterSteps(ctx, tc)
}
