package handler

import "shiftgate/internal/attendance/models"

// CurrentResponse reports duty status. The open session's fields are inlined
// when on duty.
type CurrentResponse struct {
	OnDuty bool `json:"on_duty"`
	*models.Summary
}

type MeResponse struct {
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
}

type LocationsResponse struct {
	Locations []*models.Location `json:"locations"`
}

// HistoryResponse lists the caller's sessions, oldest first.
type HistoryResponse struct {
	Sessions []models.Summary `json:"sessions"`
}
