// Package staff implements provider profiles and user roles.
package staff

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/trimwell/clinic-admin/internal/domain/record"
)

var (
	ErrNotFound  = errors.New("provider not found")
	ErrDuplicate = errors.New("provider already exists")
)

// Role names stored in user_roles.
const (
	RoleAdmin    = "admin"
	RoleProvider = "provider"
	RoleStaff    = "staff"
)

// KnownRole reports whether role may be granted.
func KnownRole(role string) bool {
	switch role {
	case RoleAdmin, RoleProvider, RoleStaff:
		return true
	}
	return false
}

// Provider is a provider_profiles row.
type Provider struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Credentials  string    `json:"credentials"`
	NPI          *string   `json:"npi,omitempty"`
	Specialty    *string   `json:"specialty,omitempty"`
	LicenseState *string   `json:"license_state,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DisplayName renders "First Last, CRED".
func (p *Provider) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if p.Credentials != "" {
		name += ", " + p.Credentials
	}
	return name
}

// Validate checks a provider before it is written.
func (p *Provider) Validate() error {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	if p.ID == "" {
		return &record.ValidationError{Field: "id", Message: "user id is required"}
	}
	if p.FirstName == "" {
		return &record.ValidationError{Field: "first_name", Message: "is required"}
	}
	if p.LastName == "" {
		return &record.ValidationError{Field: "last_name", Message: "is required"}
	}
	if !strings.Contains(p.Email, "@") {
		return &record.ValidationError{Field: "email", Message: "must be a valid address"}
	}
	if npi := record.Deref(p.NPI); npi != "" && !validNPI(npi) {
		return &record.ValidationError{Field: "npi", Message: "must be 10 digits"}
	}
	return nil
}

func validNPI(s string) bool {
	if len(s) != 10 {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Member is a provider together with their granted roles.
type Member struct {
	*Provider
	Roles []string `json:"roles"`
}

// HasAnyRole reports whether roles contains one of allowed.
func HasAnyRole(roles []string, allowed ...string) bool {
	for _, r := range roles {
		for _, a := range allowed {
			if r == a {
				return true
			}
		}
	}
	return false
}
