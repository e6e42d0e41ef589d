// Package e2e drives a running shiftgate instance through its HTTP API.
// Set SHIFTGATE_BASE_URL to run; JWT_SIGNING_KEY and ADMIN_API_TOKEN must
// match the server's.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TestContext holds per-scenario client state. Each scenario gets a fresh
// principal and client IP so rate-limit windows never leak between them.
type TestContext struct {
	BaseURL    string
	SigningKey string
	Issuer     string
	AdminToken string

	http        *http.Client
	principalID string
	role        string
	clientIP    string
	token       string

	lastStatus  int
	lastBody    []byte
	lastHeaders http.Header
}

func NewTestContext() *TestContext {
	return &TestContext{
		BaseURL:    strings.TrimRight(os.Getenv("SHIFTGATE_BASE_URL"), "/"),
		SigningKey: envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		Issuer:     envOr("JWT_ISSUER", "shiftgate"),
		AdminToken: os.Getenv("ADMIN_API_TOKEN"),
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Reset gives the scenario a new identity and an address from the IPv6
// documentation prefix.
func (tc *TestContext) Reset() {
	id := uuid.New()
	tc.principalID = id.String()
	tc.role = ""
	tc.token = ""
	tc.clientIP = fmt.Sprintf("2001:db8::%x%02x:%x%02x", id[0], id[1], id[2], id[3])
	tc.lastStatus, tc.lastBody, tc.lastHeaders = 0, nil, nil
}

func (tc *TestContext) PrincipalID() string { return tc.principalID }
func (tc *TestContext) ClientIP() string    { return tc.clientIP }

// SignIn mints a token for the scenario's principal with role.
func (tc *TestContext) SignIn(role string) error {
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  tc.principalID,
		"role": role,
		"iss":  tc.Issuer,
		"iat":  now.Unix(),
		"exp":  now.Add(time.Hour).Unix(),
	}).SignedString([]byte(tc.SigningKey))
	if err != nil {
		return err
	}
	tc.role, tc.token = role, token
	return nil
}

func (tc *TestContext) POST(path string, body any) error {
	return tc.do(http.MethodPost, path, body, nil)
}

func (tc *TestContext) GET(path string, headers map[string]string) error {
	return tc.do(http.MethodGet, path, nil, headers)
}

func (tc *TestContext) DELETE(path string, headers map[string]string) error {
	return tc.do(http.MethodDelete, path, nil, headers)
}

func (tc *TestContext) do(method, path string, body any, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, tc.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Forwarded-For", tc.clientIP)
	if tc.token != "" {
		req.Header.Set("Authorization", "Bearer "+tc.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := tc.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	tc.lastBody, err = io.ReadAll(resp.Body)
	tc.lastStatus = resp.StatusCode
	tc.lastHeaders = resp.Header
	return err
}

func (tc *TestContext) GetLastResponseStatus() int  { return tc.lastStatus }
func (tc *TestContext) GetLastResponseBody() []byte { return tc.lastBody }
func (tc *TestContext) GetLastResponseHeader(k string) string {
	if tc.lastHeaders == nil {
		return ""
	}
	return tc.lastHeaders.Get(k)
}

// GetResponseField reads a top-level field from the last JSON body.
func (tc *TestContext) GetResponseField(field string) (any, error) {
	var body map[string]any
	if err := json.Unmarshal(tc.lastBody, &body); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}
	v, ok := body[field]
	if !ok {
		return nil, fmt.Errorf("field %q not in response: %s", field, tc.lastBody)
	}
	return v, nil
}

func (tc *TestContext) GetAdminToken() string { return tc.AdminToken }
