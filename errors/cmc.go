package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error raised while building a CMC response
type Kind int

// Error kinds
const (
	KindUnknown Kind = iota
	KindDecode
	KindProof
	KindLookup
	KindQueue
	KindSigning
)

var kindNames = map[Kind]string{
	KindUnknown: "Unknown",
	KindDecode:  "Decode",
	KindProof:   "Proof",
	KindLookup:  "Lookup",
	KindQueue:   "Queue",
	KindSigning: "Signing",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// CMC error codes
const (
	// A recognized control carried a malformed or truncated value
	ErrMalformedControl = 100 + iota
	// A revoke request carried neither a usable signature nor a shared secret
	ErrMissingProof
	// Signature or shared secret verification failed
	ErrBadMessageCheck
	// No shared secret provider, or the provider could not produce a secret
	ErrProviderUnavailable
	// The referenced certificate is not known to this CA
	ErrCertNotFound
	// The referenced issuer is not this CA
	ErrIssuerMismatch
	// The request queue completed the request with an internal error
	ErrQueueInternal
	// The request queue did not complete the request in time
	ErrQueueTimeout
	// The CA signing key type has no default signature algorithm
	ErrUnsupportedKeyType
	// The response could not be encoded or signed
	ErrEncodingFailure
	// The referenced request is not known to the request queue
	ErrRequestNotFound
)

// CMCErr is an error raised by the CMC protocol engine
type CMCErr struct {
	kind Kind
	code int
	msg  string
}

func newCMCErr(kind Kind, code int, format string, args ...interface{}) *CMCErr {
	return &CMCErr{
		kind: kind,
		code: code,
		msg:  fmt.Sprintf(format, args...),
	}
}

// NewDecodeError constructs a DecodeError{MalformedControl}
func NewDecodeError(format string, args ...interface{}) *CMCErr {
	return newCMCErr(KindDecode, ErrMalformedControl, format, args...)
}

// NewProofError constructs a proof-of-identity error
func NewProofError(code int, format string, args ...interface{}) *CMCErr {
	return newCMCErr(KindProof, code, format, args...)
}

// NewLookupError constructs a certificate lookup error
func NewLookupError(code int, format string, args ...interface{}) *CMCErr {
	return newCMCErr(KindLookup, code, format, args...)
}

// NewQueueError constructs a request queue error
func NewQueueError(code int, format string, args ...interface{}) *CMCErr {
	return newCMCErr(KindQueue, code, format, args...)
}

// NewSigningError constructs a signing error
func NewSigningError(code int, format string, args ...interface{}) *CMCErr {
	return newCMCErr(KindSigning, code, format, args...)
}

// Kind returns the error kind
func (ce *CMCErr) Kind() Kind {
	return ce.kind
}

// Code returns the error code
func (ce *CMCErr) Code() int {
	return ce.code
}

// Message returns the error message
func (ce *CMCErr) Message() string {
	return ce.msg
}

func (ce *CMCErr) Error() string {
	return fmt.Sprintf("%s error %d: %s", ce.kind, ce.code, ce.msg)
}

// FatalBuildErr aborts the whole response build instead of degrading
// a single control
type FatalBuildErr struct {
	cause error
}

// NewFatalBuildError wraps err as a fatal build error
func NewFatalBuildError(err error) *FatalBuildErr {
	return &FatalBuildErr{cause: err}
}

func (fe *FatalBuildErr) Error() string {
	return fmt.Sprintf("Fatal CMC response build error: %s", fe.cause)
}

// Cause returns the underlying error
func (fe *FatalBuildErr) Cause() error {
	return fe.cause
}

// IsFatalBuildError returns true if a FatalBuildErr is found anywhere in
// the cause chain of err
func IsFatalBuildError(err error) bool {
	type causer interface {
		Cause() error
	}

	for err != nil {
		if _, ok := err.(*FatalBuildErr); ok {
			return true
		}
		c, ok := err.(causer)
		if !ok {
			return false
		}
		err = c.Cause()
	}
	return false
}

// CMCCode returns the CMC error code of err, or ErrUnknown
func CMCCode(err error) int {
	if ce, ok := errors.Cause(err).(*CMCErr); ok {
		return ce.code
	}
	return ErrUnknown
}

// ErrorKind returns the CMC error kind of err, or KindUnknown
func ErrorKind(err error) Kind {
	if ce, ok := errors.Cause(err).(*CMCErr); ok {
		return ce.kind
	}
	return KindUnknown
}
