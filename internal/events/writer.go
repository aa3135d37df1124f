package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"defectline/internal/db"
)

const (
	DefectCreated      = "defect.created"
	DefectTransitioned = "defect.transitioned"
	DefectAssigned     = "defect.assigned"
	DefectUpdated      = "defect.updated"
	CommentAdded       = "comment.added"
	CategoryCreated    = "category.created"
	CategoryRetired    = "category.deactivated"
	UserCreated        = "user.created"
	APIKeyCreated      = "apikey.created"
	APIKeyRevoked      = "apikey.revoked"
	BackupCompleted    = "backup.completed"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction so it commits or
// rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
