// Package common holds steps shared by every feature: sign-in, generic
// requests and response assertions.
package common

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
)

type TestContext interface {
	SignIn(role string) error
	GET(path string, headers map[string]string) error
	GetResponseField(field string) (any, error)
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
	GetLastResponseHeader(key string) string
}

func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &commonSteps{tc: tc}

	ctx.Step(`^I am signed in as an? "([^"]*)"$`, steps.signedInAs)
	ctx.Step(`^I am not signed in$`, steps.notSignedIn)
	ctx.Step(`^I GET "([^"]*)"$`, steps.get)
	ctx.Step(`^the response status should be (\d+)$`, steps.statusShouldBe)
	ctx.Step(`^the response field "([^"]*)" should be "([^"]*)"$`, steps.fieldShouldBe)
	ctx.Step(`^the response should contain "([^"]*)"$`, steps.shouldContainField)
	ctx.Step(`^the response header "([^"]*)" should be set$`, steps.headerShouldBeSet)
	ctx.Step(`^the response header "([^"]*)" should be "([^"]*)"$`, steps.headerShouldBe)
}

type commonSteps struct {
	tc TestContext
}

func (s *commonSteps) signedInAs(ctx context.Context, role string) error {
	return s.tc.SignIn(role)
}

func (s *commonSteps) notSignedIn(ctx context.Context) error {
	return nil
}

func (s *commonSteps) get(ctx context.Context, path string) error {
	return s.tc.GET(path, nil)
}

func (s *commonSteps) statusShouldBe(ctx context.Context, want int) error {
	if got := s.tc.GetLastResponseStatus(); got != want {
		return fmt.Errorf("expected status %d, got %d: %s", want, got, s.tc.GetLastResponseBody())
	}
	return nil
}

func (s *commonSteps) fieldShouldBe(ctx context.Context, field, want string) error {
	v, err := s.tc.GetResponseField(field)
	if err != nil {
		return err
	}
	if got := fmt.Sprint(v); got != want {
		return fmt.Errorf("expected %s=%q, got %q", field, want, got)
	}
	return nil
}

func (s *commonSteps) shouldContainField(ctx context.Context, field string) error {
	_, err := s.tc.GetResponseField(field)
	return err
}

func (s *commonSteps) headerShouldBeSet(ctx context.Context, key string) error {
	if s.tc.GetLastResponseHeader(key) == "" {
		return fmt.Errorf("expected header %s to be set", key)
	}
	return nil
}

func (s *commonSteps) headerShouldBe(ctx context.Context, key, want string) error {
	if got := s.tc.GetLastResponseHeader(key); got != want {
		return fmt.Errorf("expected header %s=%q, got %q", key, want, got)
	}
	return nil
}
