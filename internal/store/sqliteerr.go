package store

import "strings"

// isUniqueViolation reports whether err represents a SQLite UNIQUE/PRIMARY
// KEY constraint failure. modernc.org/sqlite surfaces these as plain
// errors wrapping the engine's textual message rather than a typed code,
// so this matches on that message the way the teacher's code distinguishes
// sql.ErrNoRows from other failures by comparing against known sentinels.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
