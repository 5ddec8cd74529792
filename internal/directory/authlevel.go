package directory

import (
	"strconv"
	"strings"
)

// AuthLevelPrefix marks the description value that carries the authorization level.
const AuthLevelPrefix = "auth_level:"

// Valid authorization levels.
const (
	MinAuthLevel = 1
	MaxAuthLevel = 5
)

// FormatAuthLevel encodes level as "auth_level:<N>".
func FormatAuthLevel(level int) string {
	return AuthLevelPrefix + strconv.Itoa(level)
}

// ParseAuthLevel decodes a description value written by FormatAuthLevel.
// Levels outside MinAuthLevel..MaxAuthLevel are reported as absent.
func ParseAuthLevel(desc string) (int, bool) {
	if !strings.HasPrefix(desc, AuthLevelPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(desc, AuthLevelPrefix))
	if err != nil || n < MinAuthLevel || n > MaxAuthLevel {
		return 0, false
	}
	return n, true
}
