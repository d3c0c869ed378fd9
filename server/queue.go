package server

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"github.com/jmoiron/sqlx"
	"github.com/kisielk/sqlstruct"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/cmcresponder/cmc"
	dbutil "github.com/rkcloudchain/cmcresponder/db"
	caerrors "github.com/rkcloudchain/cmcresponder/errors"
	"github.com/rkcloudchain/cmcresponder/util"
)

const (
	requestTypeRevoke = "revoke"

	insertRequestSQL = `
INSERT INTO requests (id, type, state, serial_number, reason, comment, requester, created_at)
VALUES (:id, :type, :state, :serial_number, :reason, :comment, :requester, :created_at);`

	completeRequestSQL = `
UPDATE requests
SET state = ?, updated_at = ?
	WHERE (id = ?);`

	getRequestSQL = `
SELECT %s FROM requests
	WHERE (id = ?);`

	revokeCertificateSQL = `
UPDATE certificates
SET status = ?, revoked_at = ?, reason = ?
	WHERE (serial_number = ? AND status = ?);`

	getCertificateStatusSQL = `
SELECT status FROM certificates
	WHERE (serial_number = ?);`
)

type revocationJob struct {
	id     string
	entry  *cmc.RevocationEntry
	result chan jobResult
}

type jobResult struct {
	result cmc.QueueResult
	err    error
}

// notRevocableError rejects a request without an infrastructure failure
type notRevocableError struct {
	serial string
	status string
}

func (e *notRevocableError) Error() string {
	if e.status == "" {
		return fmt.Sprintf("Certificate %s does not exist", e.serial)
	}
	return fmt.Sprintf("Certificate %s has status '%s' and cannot be revoked", e.serial, e.status)
}

// RevocationQueue records revocation requests in the requests table and
// completes them on a worker goroutine
type RevocationQueue struct {
	db      dbutil.CMCDB
	clock   clock.Clock
	jobs    chan *revocationJob
	done    chan struct{}
	wg      sync.WaitGroup
	mutex   sync.Mutex
	started bool
}

// NewRevocationQueue creates a queue backed by db. Start must be called
// before revocations are submitted.
func NewRevocationQueue(db dbutil.CMCDB, clk clock.Clock) *RevocationQueue {
	if clk == nil {
		clk = clock.New()
	}
	return &RevocationQueue{
		db:    db,
		clock: clk,
		jobs:  make(chan *revocationJob),
		done:  make(chan struct{}),
	}
}

// Start launches the worker
func (q *RevocationQueue) Start() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.work()
}

// Stop cancels outstanding submissions and waits for the worker to exit.
// A stopped queue cannot be restarted.
func (q *RevocationQueue) Stop() {
	q.mutex.Lock()
	if !q.started {
		q.mutex.Unlock()
		return
	}
	q.started = false
	close(q.done)
	q.mutex.Unlock()
	q.wg.Wait()
}

func (q *RevocationQueue) work() {
	defer q.wg.Done()
	for {
		select {
		case job := <-q.jobs:
			job.result <- q.process(job)
		case <-q.done:
			log.Debug("Revocation queue worker stopped")
			return
		}
	}
}

// Submit records entry as a pending request and waits for the worker to
// complete it
func (q *RevocationQueue) Submit(ctx context.Context, entry *cmc.RevocationEntry) (cmc.QueueResult, error) {
	id := uuid.New().String()
	serial := util.GetSerialAsHex(entry.Entry.SerialNumber)
	log.Debugf("Queueing revocation request %s for serial %s", id, serial)

	_, err := q.db.NamedExec(insertRequestSQL, &dbutil.RequestRecord{
		ID:        id,
		Type:      requestTypeRevoke,
		State:     string(cmc.RequestStatePending),
		Serial:    nullString(serial),
		Reason:    entry.Reason,
		Comment:   nullString(entry.Comment),
		Requester: nullString(entry.Requester),
		CreatedAt: q.clock.Now().UTC(),
	})
	if err != nil {
		return cmc.QueueOther, caerrors.NewHTTPErr(500, caerrors.ErrDBUpdateRequest, "Failed to record revocation request for serial %s: %s", serial, err)
	}

	job := &revocationJob{id: id, entry: entry, result: make(chan jobResult, 1)}
	select {
	case q.jobs <- job:
	case <-q.done:
		q.finish(id, cmc.RequestStateCanceled)
		return cmc.QueueOther, errors.New("Revocation queue is stopped")
	case <-ctx.Done():
		q.finish(id, cmc.RequestStateCanceled)
		return cmc.QueueOther, ctx.Err()
	}

	select {
	case res := <-job.result:
		return res.result, res.err
	case <-ctx.Done():
		return cmc.QueueOther, ctx.Err()
	}
}

func (q *RevocationQueue) process(job *revocationJob) jobResult {
	serial := util.GetSerialAsHex(job.entry.Entry.SerialNumber)
	_, err := doTransaction(q.db, q.revokeTx, serial, job.entry)
	if err != nil {
		log.Errorf("Revocation request %s for serial %s failed: %s", job.id, serial, err)
		q.finish(job.id, cmc.RequestStateRejected)
		if _, ok := errors.Cause(err).(*notRevocableError); ok {
			return jobResult{result: cmc.QueueCompleteError}
		}
		return jobResult{result: cmc.QueueOther, err: errors.WithMessage(err, "Revocation request "+job.id+" could not be processed")}
	}
	if !q.finish(job.id, cmc.RequestStateComplete) {
		return jobResult{result: cmc.QueueOther, err: errors.Errorf("Revocation request %s could not be completed", job.id)}
	}
	log.Debugf("Revocation request %s for serial %s completed", job.id, serial)
	return jobResult{result: cmc.QueueCompleteOK}
}

// revokeTx marks the certificate revoked. A certificate revoked by a
// concurrent request counts as revoked.
func (q *RevocationQueue) revokeTx(tx *sqlx.Tx, args ...interface{}) (interface{}, error) {
	serial := args[0].(string)
	entry := args[1].(*cmc.RevocationEntry)

	res, err := tx.Exec(tx.Rebind(revokeCertificateSQL), dbutil.CertStatusRevoked,
		entry.Entry.RevocationTime.UTC(), entry.Reason, serial, dbutil.CertStatusGood)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to revoke certificate %s", serial)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to revoke certificate %s", serial)
	}
	if rows == 1 {
		return rows, nil
	}

	var status string
	err = tx.Get(&status, tx.Rebind(getCertificateStatusSQL), serial)
	if err == sql.ErrNoRows {
		return nil, &notRevocableError{serial: serial}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read status of certificate %s", serial)
	}
	if status != dbutil.CertStatusRevoked {
		return nil, &notRevocableError{serial: serial, status: status}
	}
	log.Infof("Certificate %s was already revoked by another request", serial)
	return rows, nil
}

// finish moves request id to state and reports whether the row was updated
func (q *RevocationQueue) finish(id string, state cmc.RequestState) bool {
	_, err := q.db.Exec(q.db.Rebind(completeRequestSQL), string(state), q.clock.Now().UTC(), id)
	if err != nil {
		log.Errorf("Failed to move request %s to state %s: %s", id, state, err)
		return false
	}
	return true
}

// GetRequest returns the request with the given id
func (q *RevocationQueue) GetRequest(ctx context.Context, id string) (*cmc.RequestRecord, error) {
	log.Debugf("DB: Get request %s", id)

	var rec dbutil.RequestRecord
	err := q.db.Get(&rec, q.db.Rebind(fmt.Sprintf(getRequestSQL, sqlstruct.Columns(dbutil.RequestRecord{}))), id)
	if err != nil {
		return nil, getError(err, caerrors.ErrRequestNotFound, "Request", id)
	}

	record := &cmc.RequestRecord{
		ID:    rec.ID,
		Type:  rec.Type,
		State: cmc.RequestState(rec.State),
	}
	if rec.Certificate.Valid && rec.Certificate.String != "" {
		cert, err := helpers.ParseCertificatePEM([]byte(rec.Certificate.String))
		if err != nil {
			return nil, errors.WithMessage(err, fmt.Sprintf("Invalid certificate stored for request %s", id))
		}
		record.Certificate = cert.Raw
	}
	return record, nil
}
