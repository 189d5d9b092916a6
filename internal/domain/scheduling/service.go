package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service manages portal appointments.
type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

func (s *Service) Create(ctx context.Context, appt *Appointment) error {
	if err := appt.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	appt.ID = uuid.New()
	appt.Status = StatusScheduled
	appt.CreatedAt = now
	appt.UpdatedAt = now

	if err := s.repo.Create(ctx, appt); err != nil {
		return err
	}
	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("user_id", appt.UserID.String()).
		Time("starts_at", appt.StartsAt).
		Msg("appointment created")
	return nil
}

func (s *Service) Get(ctx context.Context, userID, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetForUser(ctx, userID, id)
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

func (s *Service) Update(ctx context.Context, appt *Appointment) error {
	if err := appt.Validate(); err != nil {
		return err
	}
	return s.repo.Update(ctx, appt)
}

func (s *Service) Cancel(ctx context.Context, userID, id uuid.UUID) error {
	return s.repo.SetStatus(ctx, userID, id, StatusCancelled)
}
