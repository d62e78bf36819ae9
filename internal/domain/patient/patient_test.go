package patient

import (
	"errors"
	"testing"
	"time"

	"github.com/trimwell/clinic-admin/internal/domain/billing"
	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/domain/submission"
)

func ptr[T any](v T) *T { return &v }

func TestBMI(t *testing.T) {
	tests := []struct {
		name                 string
		feet, inches, pounds float64
		want                 float64
	}{
		{"5ft7 150lb", 5, 7, 150, 23.5},
		{"6ft 200lb", 6, 0, 200, 27.1},
		{"inches only", 0, 64, 120, 20.6},
		{"zero height", 0, 0, 150, 0},
		{"zero weight", 5, 7, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BMI(tt.feet, tt.inches, tt.pounds); got != tt.want {
				t.Errorf("BMI(%v, %v, %v) = %v, want %v", tt.feet, tt.inches, tt.pounds, got, tt.want)
			}
		})
	}
}

func TestUpdateRecomputesBMI(t *testing.T) {
	p := &Profile{ID: "u1", HeightFeet: ptr(5.0), HeightInches: ptr(7.0), WeightLbs: ptr(180.0)}
	p.RecomputeBMI()
	if p.BMI == nil || *p.BMI != 28.2 {
		t.Fatalf("initial BMI = %v", p.BMI)
	}

	u := Update{WeightLbs: ptr(150.0)}
	if err := u.Validate(); err != nil {
		t.Fatal(err)
	}
	u.Apply(p)
	if *p.BMI != 23.5 {
		t.Errorf("BMI after update = %v, want 23.5", *p.BMI)
	}

	name := Update{FirstName: ptr(" Jo ")}
	name.Apply(p)
	if p.FirstName != "Jo" || *p.BMI != 23.5 {
		t.Errorf("name update: first=%q bmi=%v", p.FirstName, *p.BMI)
	}
}

func TestUpdateValidate(t *testing.T) {
	tests := []struct {
		name  string
		u     Update
		field string
	}{
		{"inches too large", Update{HeightInches: ptr(12.0)}, "height_inches"},
		{"negative weight", Update{WeightLbs: ptr(-1.0)}, "weight_lbs"},
		{"blank last name", Update{LastName: ptr("  ")}, "last_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var verr *record.ValidationError
			if err := tt.u.Validate(); !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("err = %v, want field %s", err, tt.field)
			}
		})
	}
}

func TestSearchAndSort(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	profiles := []*Profile{
		{ID: "1", FirstName: "Zoe", LastName: "Adams", Email: "zoe@example.com", BMI: ptr(31.0), CreatedAt: base},
		{ID: "2", FirstName: "Adam", LastName: "Young", Email: "ay@example.com", CreatedAt: base.Add(time.Hour)},
		{ID: "3", FirstName: "Mia", LastName: "Chen", Email: "MIA@clinic.org", BMI: ptr(24.0), CreatedAt: base.Add(2 * time.Hour)},
	}

	if got := Search(profiles, "adam"); len(got) != 2 {
		t.Errorf("Search adam = %d results, want 2", len(got))
	}
	if got := Search(profiles, "clinic.ORG"); len(got) != 1 || got[0].ID != "3" {
		t.Errorf("Search by email = %+v", got)
	}

	Sort(profiles, SortByName, false)
	if profiles[0].ID != "2" || profiles[2].ID != "1" {
		t.Errorf("name asc order = %s %s %s", profiles[0].ID, profiles[1].ID, profiles[2].ID)
	}

	Sort(profiles, SortByBMI, true)
	if profiles[0].ID != "1" || profiles[2].ID != "2" {
		t.Errorf("bmi desc order = %s %s %s", profiles[0].ID, profiles[1].ID, profiles[2].ID)
	}

	Sort(profiles, SortByCreated, true)
	if profiles[0].ID != "3" {
		t.Errorf("created desc first = %s", profiles[0].ID)
	}
}

func TestCorrelate(t *testing.T) {
	p := &Profile{ID: "u1", Email: "Pat@Example.com"}

	byUser := []*submission.Submission{
		{ID: "s1", UserID: ptr("u1"), FirstName: "old"},
		{ID: "s2", UserID: ptr("u2")},
	}
	byEmail := []*submission.Submission{
		{ID: "s1", Email: ptr(" pat@example.com "), FirstName: "new"},
		{ID: "s3", IntakeData: map[string]any{"email": "PAT@example.com"}},
	}

	got := Correlate(p, byUser, byEmail)
	if len(got) != 2 {
		t.Fatalf("Correlate returned %d rows, want 2", len(got))
	}
	if got[0].ID != "s1" || got[0].FirstName != "new" {
		t.Errorf("duplicate should keep position and take later value: %+v", got[0])
	}
	if got[1].ID != "s3" {
		t.Errorf("intake email fallback not matched: %+v", got[1])
	}
}

func TestBuildDossier(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	p := &Profile{ID: "u1", Email: "pat@example.com", BMI: ptr(23.5), DateOfBirth: ptr(time.Date(1990, 7, 1, 0, 0, 0, 0, time.UTC))}

	d := BuildDossier(p, Sources{
		Submissions: [][]*submission.Submission{{
			{ID: "s1", UserID: ptr("u1"), Status: submission.StatusApproved, SelectedDrug: ptr("finasteride"),
				CreatedAt: now.AddDate(0, -2, 0)},
			{ID: "s2", UserID: ptr("u1"), Status: submission.StatusPending, SelectedDrug: ptr("semaglutide"),
				CreatedAt: now.AddDate(0, 0, -1)},
		}},
		Billing: [][]*billing.Record{{{ID: "b1", Email: ptr("PAT@example.com")}, {ID: "b2", Email: ptr("other@example.com")}}},
	}, now)

	if d.Age != 35 {
		t.Errorf("Age = %d, want 35", d.Age)
	}
	if d.Category != submission.CategoryHairRestoration {
		t.Errorf("Category = %q, want approved submission's category", d.Category)
	}
	if d.ActivePlan != submission.DefaultPlanName {
		t.Errorf("ActivePlan = %q", d.ActivePlan)
	}
	if len(d.Billing) != 1 || d.Orders == nil || len(d.Orders) != 0 {
		t.Errorf("billing=%d orders=%v", len(d.Billing), d.Orders)
	}
}
