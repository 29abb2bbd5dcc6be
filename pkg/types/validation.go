package types

import (
	"crypto/rand"
	"regexp"
)

var (
	userIDRegex      = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	sessionCodeRegex = regexp.MustCompile(`^[A-Z0-9]{6}$`)
)

// Session codes avoid characters that are easy to misread when a teacher
// writes the code on a board (no O/0 or I/1 confusion pairs).
const sessionCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// IsValidUserID checks user ID format: 1-50 chars, alphanumeric plus _ and -.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidSessionCode checks the short shareable code format.
func IsValidSessionCode(code string) bool {
	return sessionCodeRegex.MatchString(code)
}

// NewSessionCode generates a 6-character shareable session code.
func NewSessionCode() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process has bigger problems
		panic(err)
	}
	for i, b := range buf {
		buf[i] = sessionCodeAlphabet[int(b)%len(sessionCodeAlphabet)]
	}
	return string(buf)
}

// IsValidRole checks that a role is one of the two recognized roles.
func IsValidRole(role string) bool {
	return role == RoleTeacher || role == RoleStudent
}
