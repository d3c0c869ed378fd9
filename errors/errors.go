package errors

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

// Error codes
const (
	// Unknown error code
	ErrUnknown = iota
	// Failed reading the HTTP request body
	ErrReadingReqBody
	// HTTP request body was empty but should not have been
	ErrEmptyReqBody
	// HTTP request body was of the wrong format
	ErrBadReqBody
	// A control value in the request body could not be decoded from base64/DER
	ErrBadControl
	// The response could not be built, not even as a failure response
	ErrBuildResponse
	// Failed to get the CA certificate chain
	ErrGetCACert
)

// Error codes
var (
	// Error connecting to database
	ErrConnectingDB = 51
	// Error occured when making a Get request to database
	ErrDBGet = 63
	// Error occured while updating a request record
	ErrDBUpdateRequest = 65
	// Error occured while writing an audit record
	ErrDBAudit = 66
)

// CreateHTTPErr constructs a new HTTP error.
func CreateHTTPErr(scode, code int, format string, args ...interface{}) *HTTPErr {
	msg := fmt.Sprintf(format, args...)
	return &HTTPErr{
		scode: scode,
		lcode: code,
		lmsg:  msg,
		rcode: code,
		rmsg:  msg,
	}
}

// NewHTTPErr constructs a new HTTP error wrappered with pkg/errors error.
func NewHTTPErr(scode, code int, format string, args ...interface{}) error {
	return errors.Wrap(CreateHTTPErr(scode, code, format, args...), "")
}

// HTTPErr is an HTTP error.
type HTTPErr struct {
	scode int    // HTTP status code.
	lcode int    // local error code.
	lmsg  string // local error message.
	rcode int    // remote error code.
	rmsg  string // remote error message.
}

// Error returns the string representation
func (he *HTTPErr) Error() string {
	return he.String()
}

// String returns a string representation of this augmented error
func (he *HTTPErr) String() string {
	if he.lcode == he.rcode && he.lmsg == he.rmsg {
		return fmt.Sprintf("scode: %d, code: %d, msg: %s", he.scode, he.lcode, he.lmsg)
	}
	return fmt.Sprintf("scode: %d, local code: %d, local msg: %s, remote code: %d, remote msg: %s",
		he.scode, he.lcode, he.lmsg, he.rcode, he.rmsg)
}

// Remote sets the remote code and message to something different from that of the local code and message
func (he *HTTPErr) Remote(code int, format string, args ...interface{}) *HTTPErr {
	he.rcode = code
	he.rmsg = fmt.Sprintf(format, args...)
	return he
}

// GetRemoteCode returns the remote error code
func (he *HTTPErr) GetRemoteCode() int {
	return he.rcode
}

// GetLocalCode returns the local error code
func (he *HTTPErr) GetLocalCode() int {
	return he.lcode
}

// GetStatusCode returns the HTTP status code
func (he *HTTPErr) GetStatusCode() int {
	return he.scode
}

// GetRemoteMsg returns the remote error message
func (he *HTTPErr) GetRemoteMsg() string {
	return he.rmsg
}

// GetLocalMsg returns the local error message
func (he *HTTPErr) GetLocalMsg() string {
	return he.lmsg
}

// ServerErr contains error message with corresponding CA error code
type ServerErr struct {
	code int
	msg  string
}

// FatalErr is a server error that is will prevent the server/CA from continuing to operate
type FatalErr struct {
	ServerErr
}

// NewServerError constructs a server error
func NewServerError(code int, format string, args ...interface{}) *ServerErr {
	msg := fmt.Sprintf(format, args...)
	return &ServerErr{
		code: code,
		msg:  msg,
	}
}

// NewFatalError constructs a fatal error
func NewFatalError(code int, format string, args ...interface{}) *FatalErr {
	msg := fmt.Sprintf(format, args...)
	return &FatalErr{
		ServerErr{
			code: code,
			msg:  msg,
		},
	}
}

func (se *ServerErr) Error() string {
	return se.String()
}

func (se *ServerErr) String() string {
	return fmt.Sprintf("Code: %d - %s", se.code, se.msg)
}

func (fe *FatalErr) Error() string {
	return fe.String()
}

func (fe *FatalErr) String() string {
	return fmt.Sprintf("Code: %d - %s", fe.code, fe.msg)
}

// IsFatalError return true if the error is of type 'FatalErr'
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	typ := reflect.TypeOf(causeErr)

	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}

	if typ == reflect.TypeOf(FatalErr{}) {
		return true
	}

	return false
}
