package server

import (
	"context"
	"database/sql"

	"github.com/cloudflare/cfssl/log"
	"github.com/rkcloudchain/cmcresponder/cmc"
	dbutil "github.com/rkcloudchain/cmcresponder/db"
	caerrors "github.com/rkcloudchain/cmcresponder/errors"
)

const insertAuditSQL = `
INSERT INTO audit_log (ts, requester, subject, serial_number, reason, outcome, detail)
VALUES (:ts, :requester, :subject, :serial_number, :reason, :outcome, :detail);`

// AuditLogger writes revocation audit records to the log and the audit_log table
type AuditLogger struct {
	db dbutil.CMCDB
}

// NewAuditLogger returns an audit sink. With a nil db records are only logged.
func NewAuditLogger(db dbutil.CMCDB) *AuditLogger {
	return &AuditLogger{db: db}
}

// Audit records rec
func (a *AuditLogger) Audit(ctx context.Context, rec *cmc.AuditRecord) error {
	log.Infof("AUDIT: revocation of %s (%s) by '%s' reason=%d outcome=%s detail=%q",
		rec.Serial, rec.Subject, rec.Requester, rec.Reason, rec.Outcome, rec.Detail)
	if a.db == nil {
		return nil
	}

	_, err := a.db.NamedExec(insertAuditSQL, &dbutil.AuditRecord{
		Timestamp: rec.Time.UTC(),
		Requester: nullString(rec.Requester),
		Subject:   nullString(rec.Subject),
		Serial:    nullString(rec.Serial),
		Reason:    rec.Reason,
		Outcome:   rec.Outcome,
		Detail:    nullString(rec.Detail),
	})
	if err != nil {
		return caerrors.NewHTTPErr(500, caerrors.ErrDBAudit, "Failed to write audit record for serial %s: %s", rec.Serial, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
