package server

import (
	"context"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/cmcresponder/cmc"
	dbutil "github.com/rkcloudchain/cmcresponder/db"
	"github.com/rkcloudchain/cmcresponder/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// beginFailDB refuses to open transactions
type beginFailDB struct {
	*dbutil.DB
}

func (db *beginFailDB) Beginx() (*sqlx.Tx, error) {
	return nil, errors.New("database is locked")
}

func newSQLiteDB(t *testing.T) *dbutil.DB {
	db, err := dbutil.NewSQLite3(filepath.Join(t.TempDir(), "cmc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func insertCert(t *testing.T, db *dbutil.DB, pki *testPKI, serial int64, status string) *big.Int {
	cert := pki.issue(t, "queueuser", serial)
	_, err := db.NamedExec(`INSERT INTO certificates (serial_number, subject, pem, status, reason)
VALUES (:serial_number, :subject, :pem, :status, :reason)`, &dbutil.CertificateRecord{
		Serial:  util.GetSerialAsHex(cert.SerialNumber),
		Subject: cert.Subject.String(),
		PEM:     string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})),
		Status:  status,
	})
	require.NoError(t, err)
	return cert.SerialNumber
}

func certStatus(t *testing.T, db *dbutil.DB, serial *big.Int) string {
	var status string
	err := db.Get(&status, db.Rebind(getCertificateStatusSQL), util.GetSerialAsHex(serial))
	require.NoError(t, err)
	return status
}

func requestStates(t *testing.T, db *dbutil.DB, serial *big.Int) []string {
	var states []string
	err := db.Select(&states, db.Rebind("SELECT state FROM requests WHERE serial_number = ?"), util.GetSerialAsHex(serial))
	require.NoError(t, err)
	return states
}

func revocationEntry(serial *big.Int) *cmc.RevocationEntry {
	return &cmc.RevocationEntry{
		Requester: "client1",
		Reason:    1,
		Entry:     pkix.RevokedCertificate{SerialNumber: serial, RevocationTime: time.Now()},
	}
}

func startedQueue(t *testing.T, db dbutil.CMCDB) *RevocationQueue {
	q := NewRevocationQueue(db, clock.New())
	q.Start()
	t.Cleanup(q.Stop)
	return q
}

func TestSQLite3(t *testing.T) {
	testEverything(t, newSQLiteDB(t))
}

func TestQueueRevokes(t *testing.T) {
	db := newSQLiteDB(t)
	serial := insertCert(t, db, newTestPKI(t), 100, dbutil.CertStatusGood)
	q := startedQueue(t, db)

	result, err := q.Submit(context.Background(), revocationEntry(serial))
	require.NoError(t, err)
	assert.Equal(t, cmc.QueueCompleteOK, result)
	assert.Equal(t, dbutil.CertStatusRevoked, certStatus(t, db, serial))
	assert.Equal(t, []string{string(cmc.RequestStateComplete)}, requestStates(t, db, serial))
}

func TestQueueAlreadyRevoked(t *testing.T) {
	db := newSQLiteDB(t)
	serial := insertCert(t, db, newTestPKI(t), 101, dbutil.CertStatusRevoked)
	q := startedQueue(t, db)

	result, err := q.Submit(context.Background(), revocationEntry(serial))
	require.NoError(t, err)
	assert.Equal(t, cmc.QueueCompleteOK, result)
	assert.Equal(t, []string{string(cmc.RequestStateComplete)}, requestStates(t, db, serial))
}

func TestQueueNotRevocable(t *testing.T) {
	db := newSQLiteDB(t)
	q := startedQueue(t, db)

	missing := big.NewInt(102)
	result, err := q.Submit(context.Background(), revocationEntry(missing))
	require.NoError(t, err)
	assert.Equal(t, cmc.QueueCompleteError, result)
	assert.Equal(t, []string{string(cmc.RequestStateRejected)}, requestStates(t, db, missing))

	expired := insertCert(t, db, newTestPKI(t), 103, "expired")
	result, err = q.Submit(context.Background(), revocationEntry(expired))
	require.NoError(t, err)
	assert.Equal(t, cmc.QueueCompleteError, result)
	assert.Equal(t, "expired", certStatus(t, db, expired))
}

func TestQueueBeginFailure(t *testing.T) {
	db := newSQLiteDB(t)
	serial := insertCert(t, db, newTestPKI(t), 104, dbutil.CertStatusGood)
	q := startedQueue(t, &beginFailDB{db})

	result, err := q.Submit(context.Background(), revocationEntry(serial))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to begin transaction")
	assert.Equal(t, cmc.QueueOther, result)
	assert.Equal(t, dbutil.CertStatusGood, certStatus(t, db, serial))
	assert.Equal(t, []string{string(cmc.RequestStateRejected)}, requestStates(t, db, serial))

	// the worker survives and keeps serving
	result, err = q.Submit(context.Background(), revocationEntry(serial))
	require.Error(t, err)
	assert.Equal(t, cmc.QueueOther, result)
}

func TestQueueTimeout(t *testing.T) {
	db := newSQLiteDB(t)
	serial := insertCert(t, db, newTestPKI(t), 105, dbutil.CertStatusGood)

	// never started, so nothing receives the job
	q := NewRevocationQueue(db, clock.New())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := q.Submit(ctx, revocationEntry(serial))
	require.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, cmc.QueueOther, result)
	assert.Equal(t, []string{string(cmc.RequestStateCanceled)}, requestStates(t, db, serial))
	assert.Equal(t, dbutil.CertStatusGood, certStatus(t, db, serial))
}

func TestQueueStopped(t *testing.T) {
	db := newSQLiteDB(t)
	serial := insertCert(t, db, newTestPKI(t), 106, dbutil.CertStatusGood)

	q := NewRevocationQueue(db, clock.New())
	q.Start()
	q.Stop()
	q.Stop()

	result, err := q.Submit(context.Background(), revocationEntry(serial))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped")
	assert.Equal(t, cmc.QueueOther, result)
	assert.Equal(t, []string{string(cmc.RequestStateCanceled)}, requestStates(t, db, serial))

	_, err = q.GetRequest(context.Background(), "unknown")
	assert.Error(t, err)
}
