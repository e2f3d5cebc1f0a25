package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// AuditLog represents one record in audit_logs. Before/After hold the entity
// state around the mutation for compliance consumers.
type AuditLog struct {
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Before   map[string]any
	After    map[string]any
	At       time.Time
}

// InsertAuditLog appends the record on the caller's transaction so the audit
// entry commits or rolls back together with the mutation it describes.
func InsertAuditLog(ctx context.Context, tx pgx.Tx, log AuditLog) error {
	if tx == nil {
		return errors.New("audit log requires a transaction")
	}
	if log.Actor == "" || log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires actor/action/entity/entity_id")
	}
	beforeJSON, err := json.Marshal(log.Before)
	if err != nil {
		return err
	}
	afterJSON, err := json.Marshal(log.After)
	if err != nil {
		return err
	}
	at := log.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = tx.Exec(ctx, `INSERT INTO audit_logs (actor, action, entity, entity_id, before, after, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		log.Actor, log.Action, log.Entity, log.EntityID, beforeJSON, afterJSON, at)
	return err
}
