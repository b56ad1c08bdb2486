// Package scopes holds the fixed catalog of permission scopes and the
// set operations used to filter login requests and guard protected
// operations.
//
// The catalog is a deployment-time decision: it lives in memory, not in
// the database, and user grants are always validated against it before
// they are persisted.
package scopes

import "sort"

// Names of every scope recognized by the service.
const (
	ReadProfile  = "read_profile"
	WriteProfile = "write_profile"
	ReadUsers    = "read_users"
	WriteUsers   = "write_users"
	Admin        = "admin"
)

type (
	// Catalog maps a scope name to its human description.
	Catalog map[string]string
)

// Default returns the catalog every service instance runs with.
func Default() Catalog {
	return Catalog{
		ReadProfile:  "Read user profile information",
		WriteProfile: "Modify user profile information",
		ReadUsers:    "Read other users' information",
		WriteUsers:   "Modify other users' information",
		Admin:        "Administrative access",
	}
}

// DefaultGrants is the scope set every fresh registration starts with.
func DefaultGrants() []string {
	return []string{ReadProfile, WriteProfile}
}

// Valid indicates if name is part of the catalog.
func (c Catalog) Valid(name string) bool {
	_, ok := c[name]
	return ok
}

// Names returns the catalog entries in lexical order.
func (c Catalog) Names() []string {
	out := make([]string, 0, len(c))
	for name := range c {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Filter intersects the scopes a login requested with the scopes the
// user actually holds. Unknown or unheld entries are dropped silently,
// never rejected, so a login cannot fail because of an over-eager
// scope request.
func Filter(requested, held []string) []string {
	valid := []string{}
	for _, s := range requested {
		if Contains(held, s) && !Contains(valid, s) {
			valid = append(valid, s)
		}
	}
	return valid
}

// Contains indicates if set holds the given scope.
func Contains(set []string, scope string) bool {
	for _, s := range set {
		if s == scope {
			return true
		}
	}
	return false
}
