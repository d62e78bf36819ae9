package documents

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/trimwell/clinic-admin/internal/domain/record"
)

var provider = Provider{FirstName: "Dana", LastName: "Reyes", Credentials: "MD", NPI: "1234567893"}

func TestPrescription(t *testing.T) {
	r := NewRenderer("Trimwell Health", "100 Main St, Austin, TX")
	out, err := r.Prescription(&Prescription{
		Patient:    Patient{Name: "Jordan Lee", DateOfBirth: "1990-04-02", Address: "12 Oak Ave, Austin, TX 78701"},
		Medication: "Semaglutide",
		Dosage:     "0.25 mg",
		Sig:        "Inject 0.25 mg subcutaneously once weekly",
		Quantity:   "1 pen",
		Refills:    2,
		Provider:   provider,
		Date:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Prescription: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF-")) {
		t.Errorf("output is not a PDF: %q", out[:8])
	}
}

func TestProviderNote(t *testing.T) {
	r := NewRenderer("Trimwell Health", "")
	out, err := r.ProviderNote(&ProviderNote{
		Patient:  Patient{Name: "Jordan Lee"},
		Sections: SectionsFromText("Subjective:\nWants to lose weight.\nPlan:\nStart GLP-1."),
		Provider: provider,
		Date:     time.Now(),
	})
	if err != nil {
		t.Fatalf("ProviderNote: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF-")) {
		t.Error("output is not a PDF")
	}
}

func TestProviderNameRequired(t *testing.T) {
	r := NewRenderer("Trimwell Health", "")
	_, err := r.Prescription(&Prescription{
		Patient:    Patient{Name: "Jordan Lee"},
		Medication: "Semaglutide",
		Provider:   Provider{FirstName: "Dana"},
	})
	var verr *record.ValidationError
	if !errors.As(err, &verr) || verr.Field != "provider.last_name" {
		t.Fatalf("err = %v, want provider.last_name validation error", err)
	}

	_, err = r.ProviderNote(&ProviderNote{
		Sections: []Section{{Title: "Plan", Body: "Continue"}},
		Provider: Provider{LastName: "Reyes"},
	})
	if !errors.As(err, &verr) || verr.Field != "provider.first_name" {
		t.Fatalf("err = %v, want provider.first_name validation error", err)
	}
}

func TestSectionsFromText(t *testing.T) {
	got := SectionsFromText("Intro line\n**Subjective**\nFeels well.\n\n## Assessment\nBMI 31.\nPlan:\nStart therapy.")
	want := []Section{
		{Body: "Intro line"},
		{Title: "Subjective", Body: "Feels well."},
		{Title: "Assessment", Body: "BMI 31."},
		{Title: "Plan", Body: "Start therapy."},
	}
	if len(got) != len(want) {
		t.Fatalf("sections = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("section %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
