package staff

import (
	"errors"
	"testing"

	"github.com/trimwell/clinic-admin/internal/domain/record"
)

func TestProviderValidate(t *testing.T) {
	npi := "12345"
	tests := []struct {
		name  string
		p     Provider
		field string
	}{
		{"ok", Provider{ID: "u1", FirstName: "Ana", LastName: "Ruiz", Email: "Ana@Clinic.com"}, ""},
		{"no id", Provider{FirstName: "Ana", LastName: "Ruiz", Email: "a@b.c"}, "id"},
		{"no first", Provider{ID: "u1", LastName: "Ruiz", Email: "a@b.c"}, "first_name"},
		{"no last", Provider{ID: "u1", FirstName: "Ana", Email: "a@b.c"}, "last_name"},
		{"bad email", Provider{ID: "u1", FirstName: "Ana", LastName: "Ruiz", Email: "nope"}, "email"},
		{"bad npi", Provider{ID: "u1", FirstName: "Ana", LastName: "Ruiz", Email: "a@b.c", NPI: &npi}, "npi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				if tt.p.Email != "ana@clinic.com" {
					t.Errorf("email not normalized: %q", tt.p.Email)
				}
				return
			}
			var verr *record.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("err = %v, want validation error on %s", err, tt.field)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	p := &Provider{FirstName: "Ana", LastName: "Ruiz", Credentials: "NP"}
	if got := p.DisplayName(); got != "Ana Ruiz, NP" {
		t.Errorf("DisplayName = %q", got)
	}
}

func TestHasAnyRole(t *testing.T) {
	if !HasAnyRole([]string{"staff"}, RoleAdmin, RoleStaff) {
		t.Error("staff should match")
	}
	if HasAnyRole([]string{"patient"}, RoleAdmin) {
		t.Error("patient should not match admin")
	}
	if HasAnyRole(nil, RoleAdmin) {
		t.Error("no roles should not match")
	}
}
