package messenger

import (
	"fmt"
	"strings"

	"github.com/zot/scholar-hub/internal/errs"
)

const (
	coursePrefix = "course:"
	directPrefix = "dm:"
)

// CourseRoom derives the room key of a course chat.
func CourseRoom(courseID string) (string, error) {
	if strings.TrimSpace(courseID) == "" {
		return "", fmt.Errorf("course id required: %w", errs.ErrValidation)
	}
	return coursePrefix + courseID, nil
}

// DirectRoom derives the room key of a two-party chat. The ids are sorted
// first, so DirectRoom(a, b) == DirectRoom(b, a).
func DirectRoom(userA, userB string) (string, error) {
	if strings.TrimSpace(userA) == "" || strings.TrimSpace(userB) == "" {
		return "", fmt.Errorf("both user ids required: %w", errs.ErrValidation)
	}
	// ':' separates the participants, so it cannot appear inside an id.
	if strings.Contains(userA, ":") || strings.Contains(userB, ":") {
		return "", fmt.Errorf("user ids in a direct room may not contain ':': %w", errs.ErrValidation)
	}
	if userB < userA {
		userA, userB = userB, userA
	}
	return directPrefix + userA + ":" + userB, nil
}

// DirectParticipants returns the two user ids of a direct room key.
func DirectParticipants(room string) (string, string, bool) {
	rest, ok := strings.CutPrefix(room, directPrefix)
	if !ok {
		return "", "", false
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// IsCourseRoom reports whether room is a course chat key.
func IsCourseRoom(room string) bool {
	return strings.HasPrefix(room, coursePrefix) && len(room) > len(coursePrefix)
}

// ValidRoom accepts course and direct room keys.
func ValidRoom(room string) bool {
	if IsCourseRoom(room) {
		return true
	}
	_, _, ok := DirectParticipants(room)
	return ok
}
