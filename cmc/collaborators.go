package cmc

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"
)

// CertRecord is a certificate known to the CA
type CertRecord struct {
	Serial      *big.Int
	Subject     string
	Certificate []byte
	Revoked     bool
	RevokedAt   time.Time
	Reason      int
}

// CertRepository reads issued certificates. A missing certificate is
// reported with a LookupError carrying ErrCertNotFound.
type CertRepository interface {
	GetCertificate(ctx context.Context, serial *big.Int) (*CertRecord, error)
}

// QueueResult is the terminal result of a queued request
type QueueResult int

// Queue results
const (
	QueueCompleteOK QueueResult = iota
	QueueCompleteError
	QueueOther
)

func (q QueueResult) String() string {
	switch q {
	case QueueCompleteOK:
		return "COMPLETE_OK"
	case QueueCompleteError:
		return "COMPLETE_ERROR"
	default:
		return "OTHER"
	}
}

// RequestState is the state of a request in the queue
type RequestState string

// Request states
const (
	RequestStatePending  RequestState = "pending"
	RequestStateComplete RequestState = "complete"
	RequestStateRejected RequestState = "rejected"
	RequestStateCanceled RequestState = "canceled"
)

// RevocationEntry is a revocation submitted to the request queue
type RevocationEntry struct {
	Requester string
	Subject   string
	Reason    int
	Comment   string
	Entry     pkix.RevokedCertificate
}

// RequestRecord is a request held by the request queue
type RequestRecord struct {
	ID          string
	Type        string
	State       RequestState
	Certificate []byte
}

// RequestQueue accepts new requests and reports on existing ones.
// Submit blocks until the request completes or ctx is done. An unknown
// request id is reported with a LookupError carrying ErrRequestNotFound.
type RequestQueue interface {
	Submit(ctx context.Context, entry *RevocationEntry) (QueueResult, error)
	GetRequest(ctx context.Context, id string) (*RequestRecord, error)
}

// SigningContext exposes the responding CA's key material
type SigningContext interface {
	// Certificate returns the CA signing certificate
	Certificate() *x509.Certificate
	// Chain returns the issuers of the CA certificate, nearest first
	Chain() []*x509.Certificate
	Signer() crypto.Signer
}

// AuditRecord describes one completed revocation
type AuditRecord struct {
	Time      time.Time
	Requester string
	Subject   string
	Serial    string
	Reason    int
	Outcome   string
	Detail    string
}

// Audit outcomes
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
)

// AuditSink appends audit records
type AuditSink interface {
	Audit(ctx context.Context, rec *AuditRecord) error
}

// Recorder observes response building
type Recorder interface {
	StatusEmitted(status Status)
	RevocationCompleted(outcome string)
	ResponseBuilt(kind string, err error)
}

type nopRecorder struct{}

func (nopRecorder) StatusEmitted(Status)        {}
func (nopRecorder) RevocationCompleted(string)  {}
func (nopRecorder) ResponseBuilt(string, error) {}
