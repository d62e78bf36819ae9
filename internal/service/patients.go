package service

import (
	"context"

	"github.com/trimwell/clinic-admin/internal/domain/patient"
)

// PatientService backs the patient directory.
type PatientService struct {
	patients PatientStore
	clock    Clock
}

// NewPatientService creates a PatientService.
func NewPatientService(patients PatientStore, clock Clock) *PatientService {
	return &PatientService{patients: patients, clock: clock}
}

// DirectoryQuery filters and orders the directory.
type DirectoryQuery struct {
	Search string
	Sort   patient.SortField
	Desc   bool
}

// List returns the filtered, sorted directory.
func (s *PatientService) List(ctx context.Context, q DirectoryQuery) ([]*patient.Profile, error) {
	all, err := s.patients.ListPatients(ctx)
	if err != nil {
		return nil, err
	}
	out := patient.Search(all, q.Search)
	patient.Sort(out, q.Sort, q.Desc)
	if out == nil {
		out = []*patient.Profile{}
	}
	return out, nil
}

// Dossier aggregates everything linked to one patient.
func (s *PatientService) Dossier(ctx context.Context, id string) (*patient.Dossier, error) {
	p, err := s.patients.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	src, err := s.patients.PatientSources(ctx, p)
	if err != nil {
		return nil, err
	}
	return patient.BuildDossier(p, src, s.clock.now()), nil
}

// Update applies u to a profile. When u carries ExpectedUpdatedAt the write
// fails with patient.ErrStale if the row changed since it was read.
func (s *PatientService) Update(ctx context.Context, id string, u *patient.Update) (*patient.Profile, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	p, err := s.patients.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	u.Apply(p)
	if err := s.patients.SavePatient(ctx, p, u.ExpectedUpdatedAt); err != nil {
		return nil, err
	}
	return p, nil
}
