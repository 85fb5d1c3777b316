package kindred

import (
	"context"

	"github.com/google/uuid"
)

// AuditRecord is the public view of one audit trail event. IDs are pointers
// because not every event has an actor, a subject, or a session.
type AuditRecord struct {
	Kind      string
	ActorID   *uuid.UUID
	SubjectID *uuid.UUID
	SessionID *uuid.UUID
	Payload   map[string]any
}

// AuditSink receives audit events as they are recorded. Implementations must
// be safe for concurrent use; a returned error is logged, never fatal to the
// operation that produced the event.
type AuditSink interface {
	Record(ctx context.Context, record AuditRecord) error
}
