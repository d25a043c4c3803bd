package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"
)

const (
	RoleQueryReader = "query_reader"
	RoleSchemaAdmin = "schema_admin"
)

type Identity struct {
	Subject string
	Roles   []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type staticKey struct {
	key      []byte
	identity Identity
}

// StaticAPIKeyValidator checks keys from a "key:subject:role|role,..." list.
type StaticAPIKeyValidator struct {
	keys []staticKey
}

func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	seen := map[string]struct{}{}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:subject:role|role", entry)
		}
		key := strings.TrimSpace(parts[0])
		subject := strings.TrimSpace(parts[1])
		if key == "" || subject == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/subject", entry)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("invalid static key entry %q: duplicate key", entry)
		}
		seen[key] = struct{}{}

		var roles []string
		for _, role := range strings.Split(parts[2], "|") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("invalid static key entry %q: at least one role is required", entry)
		}
		slices.Sort(roles)
		validator.keys = append(validator.keys, staticKey{
			key:      []byte(key),
			identity: Identity{Subject: subject, Roles: slices.Compact(roles)},
		})
	}
	return validator, nil
}

// Validate compares against every configured key in constant time.
func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	candidate := []byte(apiKey)
	var (
		found   Identity
		matched bool
	)
	for _, entry := range v.keys {
		if subtle.ConstantTimeCompare(entry.key, candidate) == 1 {
			found, matched = entry.identity, true
		}
	}
	return found, matched
}

func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}
