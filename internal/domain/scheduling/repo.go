package scheduling

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the user has no appointment with the
// requested id.
var ErrNotFound = errors.New("appointment not found")

// Repository persists appointments.
type Repository interface {
	Create(ctx context.Context, appt *Appointment) error
	GetForUser(ctx context.Context, userID, id uuid.UUID) (*Appointment, error)

	// ListByUser returns the user's appointments ordered by start time,
	// soonest first, plus the total before limit/offset.
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Appointment, int, error)

	Update(ctx context.Context, appt *Appointment) error
	SetStatus(ctx context.Context, userID, id uuid.UUID, status AppointmentStatus) error
}
