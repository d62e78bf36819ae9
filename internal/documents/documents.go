// Package documents renders prescriptions and provider notes as PDF.
package documents

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/trimwell/clinic-admin/internal/domain/record"
)

// Kind names a generated document.
type Kind string

const (
	KindPrescription Kind = "prescription"
	KindProviderNote Kind = "provider-note"
)

// Provider signs a document.
type Provider struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Credentials string `json:"credentials,omitempty"`
	NPI         string `json:"npi,omitempty"`
}

// Validate requires a full provider name.
func (p Provider) Validate() error {
	if strings.TrimSpace(p.FirstName) == "" {
		return &record.ValidationError{Field: "provider.first_name", Message: "provider first name is required"}
	}
	if strings.TrimSpace(p.LastName) == "" {
		return &record.ValidationError{Field: "provider.last_name", Message: "provider last name is required"}
	}
	return nil
}

// Signature returns "First Last, CRED".
func (p Provider) Signature() string {
	name := strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName)
	if c := strings.TrimSpace(p.Credentials); c != "" {
		name += ", " + c
	}
	return name
}

// Patient identifies the patient on a document.
type Patient struct {
	Name        string `json:"name"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Address     string `json:"address,omitempty"`
}

// Prescription is the content of a prescription document.
type Prescription struct {
	Patient    Patient   `json:"patient"`
	Medication string    `json:"medication"`
	Dosage     string    `json:"dosage"`
	Sig        string    `json:"sig"`
	Quantity   string    `json:"quantity"`
	Refills    int       `json:"refills"`
	Provider   Provider  `json:"provider"`
	Date       time.Time `json:"date"`
}

// Validate checks the fields printed on every prescription.
func (p *Prescription) Validate() error {
	if err := p.Provider.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(p.Patient.Name) == "" {
		return &record.ValidationError{Field: "patient.name", Message: "patient name is required"}
	}
	if strings.TrimSpace(p.Medication) == "" {
		return &record.ValidationError{Field: "medication", Message: "medication is required"}
	}
	if p.Refills < 0 {
		return &record.ValidationError{Field: "refills", Message: "refills cannot be negative"}
	}
	return nil
}

// Section is one heading of a provider note.
type Section struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ProviderNote is the content of a clinical note.
type ProviderNote struct {
	Patient  Patient   `json:"patient"`
	Sections []Section `json:"sections"`
	Provider Provider  `json:"provider"`
	Date     time.Time `json:"date"`
}

// Validate requires a provider and at least one non-empty section.
func (n *ProviderNote) Validate() error {
	if err := n.Provider.Validate(); err != nil {
		return err
	}
	for _, s := range n.Sections {
		if strings.TrimSpace(s.Body) != "" {
			return nil
		}
	}
	return &record.ValidationError{Field: "sections", Message: "note body is required"}
}

// Renderer draws documents under a clinic letterhead.
type Renderer struct {
	ClinicName    string
	ClinicAddress string
}

// NewRenderer creates a renderer.
func NewRenderer(clinicName, clinicAddress string) *Renderer {
	return &Renderer{ClinicName: clinicName, ClinicAddress: clinicAddress}
}

type page struct {
	pdf *fpdf.Fpdf
	tr  func(string) string
}

func (r *Renderer) newPage(title string, date time.Time) *page {
	pdf := fpdf.New("P", "mm", "Letter", "")
	pdf.SetTitle(title, true)
	pdf.SetAuthor(r.ClinicName, true)
	pdf.SetCreationDate(date)
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()
	p := &page{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor("")}

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 8, p.tr(r.ClinicName), "", 1, "L", false, 0, "")
	if r.ClinicAddress != "" {
		pdf.SetFont("Helvetica", "", 9)
		pdf.CellFormat(0, 5, p.tr(r.ClinicAddress), "", 1, "L", false, 0, "")
	}
	pdf.Ln(2)
	pdf.Line(20, pdf.GetY(), 195.9, pdf.GetY())
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 7, p.tr(title), "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 7, date.Format("January 2, 2006"), "", 1, "R", false, 0, "")
	pdf.Ln(4)
	return p
}

func (p *page) field(label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	p.pdf.SetFont("Helvetica", "B", 10)
	p.pdf.CellFormat(40, 6, p.tr(label), "", 0, "L", false, 0, "")
	p.pdf.SetFont("Helvetica", "", 10)
	p.pdf.MultiCell(0, 6, p.tr(value), "", "L", false)
}

func (p *page) patient(pt Patient) {
	p.field("Patient", pt.Name)
	p.field("Date of birth", pt.DateOfBirth)
	p.field("Address", pt.Address)
	p.pdf.Ln(4)
}

func (p *page) signature(pr Provider) {
	p.pdf.Ln(14)
	y := p.pdf.GetY()
	p.pdf.Line(20, y, 100, y)
	p.pdf.Ln(2)
	p.pdf.SetFont("Helvetica", "", 10)
	p.pdf.CellFormat(0, 5, p.tr(pr.Signature()), "", 1, "L", false, 0, "")
	if pr.NPI != "" {
		p.pdf.CellFormat(0, 5, "NPI "+p.tr(pr.NPI), "", 1, "L", false, 0, "")
	}
}

func (p *page) bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// Prescription renders rx.
func (r *Renderer) Prescription(rx *Prescription) ([]byte, error) {
	if err := rx.Validate(); err != nil {
		return nil, err
	}
	p := r.newPage("Prescription", rx.Date)
	p.patient(rx.Patient)

	p.pdf.SetFont("Helvetica", "B", 22)
	p.pdf.CellFormat(0, 10, "Rx", "", 1, "L", false, 0, "")
	p.field("Medication", rx.Medication)
	p.field("Dosage", rx.Dosage)
	p.field("Sig", rx.Sig)
	p.field("Quantity", rx.Quantity)
	p.field("Refills", fmt.Sprintf("%d", rx.Refills))

	p.signature(rx.Provider)
	return p.bytes()
}

// ProviderNote renders note.
func (r *Renderer) ProviderNote(note *ProviderNote) ([]byte, error) {
	if err := note.Validate(); err != nil {
		return nil, err
	}
	p := r.newPage("Provider Note", note.Date)
	p.patient(note.Patient)

	for _, s := range note.Sections {
		if strings.TrimSpace(s.Body) == "" {
			continue
		}
		if s.Title != "" {
			p.pdf.SetFont("Helvetica", "B", 11)
			p.pdf.CellFormat(0, 7, p.tr(s.Title), "", 1, "L", false, 0, "")
		}
		p.pdf.SetFont("Helvetica", "", 10)
		p.pdf.MultiCell(0, 5, p.tr(strings.TrimSpace(s.Body)), "", "L", false)
		p.pdf.Ln(3)
	}

	p.signature(note.Provider)
	return p.bytes()
}

// SectionsFromText splits a drafted note into sections on SOAP headings.
// Text without recognised headings becomes a single untitled section.
func SectionsFromText(text string) []Section {
	headings := map[string]string{
		"subjective": "Subjective",
		"objective":  "Objective",
		"assessment": "Assessment",
		"plan":       "Plan",
	}
	var out []Section
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		key := strings.ToLower(strings.Trim(trimmed, "#*: "))
		if title, ok := headings[key]; ok {
			out = append(out, Section{Title: title})
			continue
		}
		if len(out) == 0 {
			out = append(out, Section{})
		}
		cur := &out[len(out)-1]
		if cur.Body != "" {
			cur.Body += "\n"
		}
		cur.Body += line
	}
	for i := range out {
		out[i].Body = strings.TrimSpace(out[i].Body)
	}
	return out
}
