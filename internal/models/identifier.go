package models

import (
	"errors"
	"fmt"
	"regexp"
)

// maxIdentifierLen is PostgreSQL's NAMEDATALEN minus the terminator.
const maxIdentifierLen = 63

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrUnsafeIdentifier is returned when a name fails the safe identifier check.
var ErrUnsafeIdentifier = errors.New("unsafe identifier")

// DatabaseName is a database name that passed the safe identifier check.
// The zero value is not a valid name.
type DatabaseName struct {
	value string
}

// ParseDatabaseName validates s and returns it as a DatabaseName.
func ParseDatabaseName(s string) (DatabaseName, error) {
	if err := checkIdentifier(s); err != nil {
		return DatabaseName{}, fmt.Errorf("database name: %w", err)
	}
	return DatabaseName{value: s}, nil
}

// MustDatabaseName is like ParseDatabaseName but panics on invalid input.
func MustDatabaseName(s string) DatabaseName {
	n, err := ParseDatabaseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n DatabaseName) String() string { return n.value }

// IsZero reports whether n was never set by ParseDatabaseName.
func (n DatabaseName) IsZero() bool { return n.value == "" }

// RoleName is a role name that passed the safe identifier check.
type RoleName struct {
	value string
}

// ParseRoleName validates s and returns it as a RoleName.
func ParseRoleName(s string) (RoleName, error) {
	if err := checkIdentifier(s); err != nil {
		return RoleName{}, fmt.Errorf("role name: %w", err)
	}
	return RoleName{value: s}, nil
}

func (r RoleName) String() string { return r.value }

// IsZero reports whether r was never set by ParseRoleName.
func (r RoleName) IsZero() bool { return r.value == "" }

func checkIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrUnsafeIdentifier)
	}
	if len(s) > maxIdentifierLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrUnsafeIdentifier, maxIdentifierLen)
	}
	if !identifierPattern.MatchString(s) {
		return fmt.Errorf("%w: %q may only contain letters, digits, '_' and '-'", ErrUnsafeIdentifier, s)
	}
	return nil
}
