package ratelimit

import (
	"context"
	"fmt"
	"net/url"

	"github.com/cucumber/godog"
)

type TestContext interface {
	GET(path string, headers map[string]string) error
	DELETE(path string, headers map[string]string) error
	GetResponseField(field string) (any, error)
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
	GetLastResponseHeader(key string) string
	GetAdminToken() string
	ClientIP() string
}

// RegisterSteps registers rate-limiting step definitions.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &ratelimitSteps{tc: tc}

	ctx.Step(`^I GET "([^"]*)" (\d+) times$`, steps.getNTimes)
	ctx.Step(`^the last (\d+) responses should have status (\d+)$`, steps.lastNShouldHaveStatus)
	ctx.Step(`^an admin resets my "([^"]*)" window$`, steps.adminResets)
	ctx.Step(`^an admin checks my "([^"]*)" window$`, steps.adminChecks)
	ctx.Step(`^an admin token is configured$`, steps.adminTokenConfigured)
}

type ratelimitSteps struct {
	tc       TestContext
	statuses []int
}

func (s *ratelimitSteps) getNTimes(ctx context.Context, path string, n int) error {
	s.statuses = s.statuses[:0]
	for range n {
		if err := s.tc.GET(path, nil); err != nil {
			return err
		}
		s.statuses = append(s.statuses, s.tc.GetLastResponseStatus())
	}
	return nil
}

func (s *ratelimitSteps) lastNShouldHaveStatus(ctx context.Context, n, want int) error {
	if n > len(s.statuses) {
		return fmt.Errorf("only %d responses recorded", len(s.statuses))
	}
	for i, got := range s.statuses[len(s.statuses)-n:] {
		if got != want {
			return fmt.Errorf("response %d of the last %d: expected %d, got %d", i+1, n, want, got)
		}
	}
	return nil
}

func (s *ratelimitSteps) adminTokenConfigured(ctx context.Context) error {
	if s.tc.GetAdminToken() == "" {
		return godog.ErrSkip
	}
	return nil
}

func (s *ratelimitSteps) adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Token": s.tc.GetAdminToken()}
}

func (s *ratelimitSteps) adminResets(ctx context.Context, class string) error {
	return s.tc.DELETE("/admin/rate-limit/"+class+"/"+url.PathEscape(s.tc.ClientIP()), s.adminHeaders())
}

func (s *ratelimitSteps) adminChecks(ctx context.Context, class string) error {
	q := url.Values{"identifier": {s.tc.ClientIP()}, "class": {class}}
	return s.tc.GET("/admin/rate-limit/status?"+q.Encode(), s.adminHeaders())
}
