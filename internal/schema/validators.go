package schema

import "github.com/google/uuid"

// IsUUIDv4 reports whether s is a version-4 UUID.
func IsUUIDv4(s string) bool {
	u, err := uuid.Parse(s)
	return err == nil && u.Version() == 4
}

// IsHex64 reports whether s is exactly 64 lowercase hex digits.
func IsHex64(s string) bool {
	return hex64Pattern.MatchString(s)
}
