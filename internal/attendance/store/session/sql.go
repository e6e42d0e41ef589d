package session

import (
	"slices"
	"strings"

	"shiftgate/internal/attendance/models"
)

const sessionColumns = `id, principal_id, location_id, started_at, ended_at, start_evidence,
	end_evidence, break_seconds, total_seconds, note, created_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func sortByStart(sessions []*models.Session) {
	slices.SortFunc(sessions, func(a, b *models.Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
}
