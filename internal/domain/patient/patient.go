// Package patient implements patient profiles, the patient directory and the
// per-patient dossier.
package patient

import (
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/trimwell/clinic-admin/internal/domain/record"
)

var (
	// ErrNotFound is returned when no profile matches an id.
	ErrNotFound = errors.New("profile not found")
	// ErrStale is returned when an update was based on an outdated read.
	ErrStale = errors.New("profile was modified by another request")
)

// Profile is a profiles row. Its id is the auth user id.
type Profile struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name"`
	Phone            *string    `json:"phone,omitempty"`
	DateOfBirth      *time.Time `json:"date_of_birth,omitempty"`
	Sex              *string    `json:"sex,omitempty"`
	HeightFeet       *float64   `json:"height_feet,omitempty"`
	HeightInches     *float64   `json:"height_inches,omitempty"`
	WeightLbs        *float64   `json:"weight_lbs,omitempty"`
	BMI              *float64   `json:"bmi,omitempty"`
	AddressLine1     *string    `json:"address_line1,omitempty"`
	AddressLine2     *string    `json:"address_line2,omitempty"`
	City             *string    `json:"city,omitempty"`
	State            *string    `json:"state,omitempty"`
	PostalCode       *string    `json:"postal_code,omitempty"`
	StripeCustomerID *string    `json:"stripe_customer_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// FullName joins first and last name.
func (p *Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Age returns whole years since DateOfBirth, or 0 when unknown.
func (p *Profile) Age(now time.Time) int {
	if p.DateOfBirth == nil {
		return 0
	}
	dob := *p.DateOfBirth
	years := now.Year() - dob.Year()
	if now.YearDay() < dob.YearDay() {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

// BMI computes body mass index from imperial height and weight, rounded to
// one decimal place. Zero height yields 0.
func BMI(feet, inches, pounds float64) float64 {
	total := feet*12 + inches
	if total <= 0 || pounds <= 0 {
		return 0
	}
	bmi := pounds / (total * total) * 703
	return math.Round(bmi*10) / 10
}

// RecomputeBMI refreshes the stored BMI from height and weight.
func (p *Profile) RecomputeBMI() {
	if p.WeightLbs == nil || (p.HeightFeet == nil && p.HeightInches == nil) {
		p.BMI = nil
		return
	}
	var feet, inches float64
	if p.HeightFeet != nil {
		feet = *p.HeightFeet
	}
	if p.HeightInches != nil {
		inches = *p.HeightInches
	}
	bmi := BMI(feet, inches, *p.WeightLbs)
	if bmi == 0 {
		p.BMI = nil
		return
	}
	p.BMI = &bmi
}

// Update carries the editable profile fields. Nil fields are left unchanged.
type Update struct {
	FirstName         *string    `json:"first_name"`
	LastName          *string    `json:"last_name"`
	Phone             *string    `json:"phone"`
	Sex               *string    `json:"sex"`
	HeightFeet        *float64   `json:"height_feet"`
	HeightInches      *float64   `json:"height_inches"`
	WeightLbs         *float64   `json:"weight_lbs"`
	AddressLine1      *string    `json:"address_line1"`
	AddressLine2      *string    `json:"address_line2"`
	City              *string    `json:"city"`
	State             *string    `json:"state"`
	PostalCode        *string    `json:"postal_code"`
	ExpectedUpdatedAt *time.Time `json:"expected_updated_at"`
}

// Validate checks value ranges.
func (u *Update) Validate() error {
	if u.HeightFeet != nil && (*u.HeightFeet < 0 || *u.HeightFeet > 8) {
		return &record.ValidationError{Field: "height_feet", Message: "must be between 0 and 8"}
	}
	if u.HeightInches != nil && (*u.HeightInches < 0 || *u.HeightInches >= 12) {
		return &record.ValidationError{Field: "height_inches", Message: "must be between 0 and 11"}
	}
	if u.WeightLbs != nil && (*u.WeightLbs <= 0 || *u.WeightLbs > 1000) {
		return &record.ValidationError{Field: "weight_lbs", Message: "must be between 0 and 1000"}
	}
	if u.FirstName != nil && strings.TrimSpace(*u.FirstName) == "" {
		return &record.ValidationError{Field: "first_name", Message: "cannot be blank"}
	}
	if u.LastName != nil && strings.TrimSpace(*u.LastName) == "" {
		return &record.ValidationError{Field: "last_name", Message: "cannot be blank"}
	}
	return nil
}

// Apply copies set fields onto p and recomputes BMI when height or weight
// changed.
func (u *Update) Apply(p *Profile) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	setOpt := func(dst **string, src *string) {
		if src != nil {
			v := strings.TrimSpace(*src)
			*dst = &v
		}
	}
	setString(&p.FirstName, u.FirstName)
	setString(&p.LastName, u.LastName)
	setOpt(&p.Phone, u.Phone)
	setOpt(&p.Sex, u.Sex)
	setOpt(&p.AddressLine1, u.AddressLine1)
	setOpt(&p.AddressLine2, u.AddressLine2)
	setOpt(&p.City, u.City)
	setOpt(&p.State, u.State)
	setOpt(&p.PostalCode, u.PostalCode)

	bodyChanged := false
	if u.HeightFeet != nil {
		p.HeightFeet = u.HeightFeet
		bodyChanged = true
	}
	if u.HeightInches != nil {
		p.HeightInches = u.HeightInches
		bodyChanged = true
	}
	if u.WeightLbs != nil {
		p.WeightLbs = u.WeightLbs
		bodyChanged = true
	}
	if bodyChanged {
		p.RecomputeBMI()
	}
}

// SortField selects the directory ordering.
type SortField string

const (
	SortByName    SortField = "name"
	SortByCreated SortField = "created"
	SortByBMI     SortField = "bmi"
)

// Search keeps profiles whose name or email contains query, ignoring case.
func Search(profiles []*Profile, query string) []*Profile {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return profiles
	}
	var out []*Profile
	for _, p := range profiles {
		if strings.Contains(strings.ToLower(p.FullName()), q) ||
			strings.Contains(strings.ToLower(p.Email), q) {
			out = append(out, p)
		}
	}
	return out
}

// Sort orders profiles in place. Profiles without a BMI sort last.
func Sort(profiles []*Profile, field SortField, desc bool) {
	less := func(a, b *Profile) bool {
		switch field {
		case SortByCreated:
			return a.CreatedAt.Before(b.CreatedAt)
		case SortByBMI:
			return bmiValue(a) < bmiValue(b)
		default:
			an, bn := strings.ToLower(a.FullName()), strings.ToLower(b.FullName())
			if an == bn {
				return strings.ToLower(a.Email) < strings.ToLower(b.Email)
			}
			return an < bn
		}
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		a, b := profiles[i], profiles[j]
		if field == SortByBMI && (a.BMI == nil) != (b.BMI == nil) {
			return b.BMI == nil
		}
		if desc {
			return less(b, a)
		}
		return less(a, b)
	})
}

func bmiValue(p *Profile) float64 {
	if p.BMI == nil {
		return 0
	}
	return *p.BMI
}
