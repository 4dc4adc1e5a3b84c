package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Meta identifies who caused an event and what it is about.
type Meta struct {
	InstallationID string
	ActorUserID    string
	AgentID        string
	IntentID       string
	SubjectKind    string
	SubjectID      string
}

// Append records a domain event inside the caller's transaction. Events are
// an audit feed for downstream consumers; nothing in this service reads them
// back except the webhook dispatcher.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, meta Meta, payload EventPayload) error {
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
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,installation_id,actor_user_id,agent_id,intent_id,subject_kind,subject_id,initiator,payload_json) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ts, evtType, nullable(meta.InstallationID), meta.ActorUserID, nullable(meta.AgentID), nullable(meta.IntentID), meta.SubjectKind, nullable(meta.SubjectID), "agent", string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
