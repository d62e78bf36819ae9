package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/trimwell/clinic-admin/internal/documents"
	"github.com/trimwell/clinic-admin/internal/domain/patient"
	"github.com/trimwell/clinic-admin/internal/domain/record"
	"github.com/trimwell/clinic-admin/internal/domain/submission"
	"github.com/trimwell/clinic-admin/internal/infrastructure/openai"
	"github.com/trimwell/clinic-admin/internal/infrastructure/s3"
)

// DocumentService renders clinical PDFs and files them with the submission.
type DocumentService struct {
	submissions SubmissionStore
	patients    PatientStore
	objects     ObjectStore
	assistant   Assistant
	renderer    *documents.Renderer
	clock       Clock
	logger      *zap.Logger
}

// NewDocumentService creates a DocumentService.
func NewDocumentService(subs SubmissionStore, patients PatientStore, objects ObjectStore, assistant Assistant, renderer *documents.Renderer, clock Clock, logger *zap.Logger) *DocumentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentService{
		submissions: subs,
		patients:    patients,
		objects:     objects,
		assistant:   assistant,
		renderer:    renderer,
		clock:       clock,
		logger:      logger,
	}
}

// PrescriptionRequest describes a prescription for a submission. Medication
// defaults to the drug the patient selected.
type PrescriptionRequest struct {
	SubmissionID string             `json:"submission_id"`
	Provider     documents.Provider `json:"provider"`
	Medication   string             `json:"medication"`
	Dosage       string             `json:"dosage"`
	Sig          string             `json:"sig"`
	Quantity     string             `json:"quantity"`
	Refills      int                `json:"refills"`
}

// NoteRequest describes a provider note. With Draft set and no Body the
// note is drafted by the assistant from the intake.
type NoteRequest struct {
	SubmissionID string             `json:"submission_id"`
	Provider     documents.Provider `json:"provider"`
	Body         string             `json:"body"`
	Draft        bool               `json:"draft"`
}

// GeneratePrescription renders, stores and links a prescription PDF.
func (s *DocumentService) GeneratePrescription(ctx context.Context, req PrescriptionRequest) (*s3.Object, error) {
	if err := req.Provider.Validate(); err != nil {
		return nil, err
	}
	sub, p, err := s.load(ctx, req.SubmissionID)
	if err != nil {
		return nil, err
	}

	rx := &documents.Prescription{
		Patient:    documentPatient(sub, p),
		Medication: record.FirstNonEmpty(strings.TrimSpace(req.Medication), sub.DrugSelection()),
		Dosage:     req.Dosage,
		Sig:        req.Sig,
		Quantity:   req.Quantity,
		Refills:    req.Refills,
		Provider:   req.Provider,
		Date:       s.clock.now(),
	}
	pdf, err := s.renderer.Prescription(rx)
	if err != nil {
		return nil, err
	}
	return s.file(ctx, sub, p, documents.KindPrescription, submission.DocumentPrescription, pdf)
}

// GenerateProviderNote renders, stores and links a provider note PDF.
func (s *DocumentService) GenerateProviderNote(ctx context.Context, req NoteRequest) (*s3.Object, error) {
	if err := req.Provider.Validate(); err != nil {
		return nil, err
	}
	sub, p, err := s.load(ctx, req.SubmissionID)
	if err != nil {
		return nil, err
	}

	body := strings.TrimSpace(req.Body)
	if body == "" && req.Draft {
		drafted, err := s.assistant.DraftNote(ctx, IntakeSummary(sub, p, s.clock.now()))
		if errors.Is(err, openai.ErrUnparsable) {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		if err != nil {
			return nil, err
		}
		body = drafted
	}

	note := &documents.ProviderNote{
		Patient:  documentPatient(sub, p),
		Sections: documents.SectionsFromText(body),
		Provider: req.Provider,
		Date:     s.clock.now(),
	}
	pdf, err := s.renderer.ProviderNote(note)
	if err != nil {
		return nil, err
	}
	return s.file(ctx, sub, p, documents.KindProviderNote, submission.DocumentProviderNote, pdf)
}

func (s *DocumentService) load(ctx context.Context, id string) (*submission.Submission, *patient.Profile, error) {
	sub, err := s.submissions.GetSubmission(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	var p *patient.Profile
	switch {
	case sub.OwnerID() != "":
		p, err = s.patients.GetPatient(ctx, sub.OwnerID())
	case sub.ContactEmail() != "":
		p, err = s.patients.FindPatientByEmail(ctx, sub.ContactEmail())
	}
	if err != nil && !errors.Is(err, patient.ErrNotFound) {
		return nil, nil, err
	}
	return sub, p, nil
}

func (s *DocumentService) file(ctx context.Context, sub *submission.Submission, p *patient.Profile, kind documents.Kind, column submission.DocumentKind, pdf []byte) (*s3.Object, error) {
	owner := sub.ID
	if p != nil {
		owner = p.ID
	} else if sub.OwnerID() != "" {
		owner = sub.OwnerID()
	}
	obj, err := s.objects.PutDocument(ctx, owner, string(kind), pdf)
	if err != nil {
		return nil, err
	}
	if err := s.submissions.SetDocumentURL(ctx, sub.ID, column, obj.URL); err != nil {
		return nil, err
	}
	s.logger.Info("document generated",
		zap.String("submission_id", sub.ID),
		zap.String("kind", string(kind)),
		zap.String("key", obj.Key))
	return obj, nil
}

func documentPatient(sub *submission.Submission, p *patient.Profile) documents.Patient {
	out := documents.Patient{Name: sub.FullName()}
	if p == nil {
		return out
	}
	out.Name = record.FirstNonEmpty(p.FullName(), out.Name)
	if p.DateOfBirth != nil {
		out.DateOfBirth = p.DateOfBirth.Format("01/02/2006")
	}
	var parts []string
	for _, v := range []*string{p.AddressLine1, p.AddressLine2, p.City} {
		if s := strings.TrimSpace(record.Deref(v)); s != "" {
			parts = append(parts, s)
		}
	}
	if region := strings.TrimSpace(record.Deref(p.State) + " " + record.Deref(p.PostalCode)); region != "" {
		parts = append(parts, region)
	}
	out.Address = strings.Join(parts, ", ")
	return out
}
