package handler

// CheckInRequest is the check-in body. Coordinates are pointers so a missing
// field is told apart from 0.
type CheckInRequest struct {
	LocationID  string   `json:"location_id"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	EvidenceRef string   `json:"evidence_ref,omitempty"`
}

// CheckOutRequest is the check-out body. Coordinates are optional.
type CheckOutRequest struct {
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	EvidenceRef string   `json:"evidence_ref,omitempty"`
}
