package models

import (
	"strings"

	dErrors "shiftgate/pkg/domain-errors"
)

// KeyRequest addresses one window record from the admin surface.
type KeyRequest struct {
	Identifier string
	Class      string
}

func (r *KeyRequest) Normalize() {
	if r == nil {
		return
	}
	r.Identifier = strings.TrimSpace(r.Identifier)
	r.Class = strings.TrimSpace(strings.ToLower(r.Class))
}

// Follows validation order: Size -> Required -> Syntax.
func (r *KeyRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if len(r.Identifier) > 255 {
		return dErrors.New(dErrors.CodeValidation, "identifier must be 255 characters or less")
	}
	if r.Identifier == "" {
		return dErrors.New(dErrors.CodeValidation, "identifier is required")
	}
	if r.Class == "" {
		return dErrors.New(dErrors.CodeValidation, "class is required")
	}
	if !EndpointClass(r.Class).IsValid() {
		return dErrors.New(dErrors.CodeValidation, "class must be one of auth, payroll, admin, public, general")
	}
	return nil
}
