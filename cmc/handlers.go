package cmc

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509/pkix"
	"encoding/asn1"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	caerrors "github.com/rkcloudchain/cmcresponder/errors"
	"github.com/rkcloudchain/cmcresponder/util"
)

const nonceSize = 16

type controlHandler struct {
	oid    asn1.ObjectIdentifier
	handle func(ctx context.Context, attr *TaggedAttribute, sess *Session, counter *BodyPartCounter, body *ResponseBody) error
}

// handlers returns the control handlers in the order they run
func (r *Responder) handlers() []controlHandler {
	return []controlHandler{
		{OIDGetCert, r.handleGetCert},
		{OIDDataReturn, r.handleEcho},
		{OIDTransactionID, r.handleEcho},
		{OIDSenderNonce, r.handleSenderNonce},
		{OIDQueryPending, r.handleQueryPending},
		{OIDConfirmCertAcceptance, r.handleConfirmCertAcceptance},
		{OIDRevokeRequest, r.handleRevokeRequest},
	}
}

// emitStatus adds a status-info control scoped to the incoming control
func (r *Responder) emitStatus(attr *TaggedAttribute, counter *BodyPartCounter, body *ResponseBody, si *StatusInfo) {
	if len(si.BodyList) == 0 {
		si.BodyList = []int{attr.BodyPartID}
	}
	body.addControl(counter.Next(), si)
	r.recorder.StatusEmitted(si.Status)
}

// decodeOrFail decodes attr, reporting a malformed control as FAILED badRequest
func (r *Responder) decodeOrFail(attr *TaggedAttribute, counter *BodyPartCounter, body *ResponseBody) ([]ControlValue, bool) {
	values, err := DecodeAll(attr)
	if err == nil && len(values) == 0 {
		err = caerrors.NewDecodeError("Control %s has no values", attr.Type)
	}
	if err != nil {
		log.Warningf("Rejecting control %s: %s", attr.Type, err)
		r.emitStatus(attr, counter, body, NewFailedStatusInfo(nil, FailBadRequest, "Malformed control"))
		return nil, false
	}
	return values, true
}

// handleGetCert adds the requested certificates. Any failure, including a
// malformed GetCert value, aborts the whole response.
func (r *Responder) handleGetCert(ctx context.Context, attr *TaggedAttribute, sess *Session, counter *BodyPartCounter, body *ResponseBody) error {
	values, err := DecodeAll(attr)
	if err != nil {
		return caerrors.NewFatalBuildError(err)
	}

	for _, v := range values {
		gc := v.(*GetCert)
		if !r.isCAName(gc.Issuer) {
			return caerrors.NewFatalBuildError(
				caerrors.NewLookupError(caerrors.ErrIssuerMismatch, "GetCert issuer '%s' is not this CA", rdnString(gc.Issuer)))
		}
		rec, err := r.certs.GetCertificate(ctx, gc.Serial)
		if err != nil {
			if caerrors.CMCCode(err) == caerrors.ErrCertNotFound {
				return caerrors.NewFatalBuildError(err)
			}
			return caerrors.NewFatalBuildError(errors.WithMessage(err, "GetCert lookup failed"))
		}
		body.addCertificate(rec.Certificate)
	}

	r.emitStatus(attr, counter, body, NewStatusInfo(StatusSuccess, nil))
	return nil
}

// handleEcho returns DataReturn and TransactionId values unchanged
func (r *Responder) handleEcho(ctx context.Context, attr *TaggedAttribute, sess *Session, counter *BodyPartCounter, body *ResponseBody) error {
	values, ok := r.decodeOrFail(attr, counter, body)
	if !ok {
		return nil
	}
	for _, v := range values {
		body.addControl(counter.Next(), v)
	}
	return nil
}

func (r *Responder) handleSenderNonce(ctx context.Context, attr *TaggedAttribute, sess *Session, counter *BodyPartCounter, body *ResponseBody) error {
	values, ok := r.decodeOrFail(attr, counter, body)
	if !ok {
		return nil
	}

	body.addControl(counter.Next(), RecipientNonce(values[0].(SenderNonce)))

	nonce := make([]byte, nonceSize)
	_, err := rand.Read(nonce)
	if err != nil {
		return caerrors.NewFatalBuildError(errors.Wrap(err, "Failed to generate sender nonce"))
	}
	body.addControl(counter.Next(), SenderNonce(nonce))
	return nil
}

func (r *Responder) handleQueryPending(ctx context.Context, attr *TaggedAttribute, sess *Session, counter *BodyPartCounter, body *ResponseBody) error {
	values, ok := r.decodeOrFail(attr, counter, body)
	if !ok {
		return nil
	}

	var failed bool
	var firstPending string
	var issued [][]byte
	for _, v := range values {
		id := string(v.(QueryPending))
		rec, err := r.queue.GetRequest(ctx, id)
		if err != nil {
			log.Infof("Query for pending request %s failed: %s", id, err)
			failed = true
			continue
		}
		switch rec.State {
		case RequestStatePending:
			if firstPending == "" {
				firstPending = id
			}
		case RequestStateComplete:
			issued = append(issued, rec.Certificate)
		default:
			log.Debugf("Pending request %s is %s", id, rec.State)
			failed = true
		}
	}

	switch {
	case failed:
		r.emitStatus(attr, counter, body, NewFailedStatusInfo(nil, FailBadRequest, ""))
	case firstPending != "":
		r.emitStatus(attr, counter, body, NewPendingStatusInfo([]int{attr.BodyPartID}, firstPending, r.clock.Now()))
	default:
		for _, der := range issued {
			body.addCertificate(der)
		}
		r.emitStatus(attr, counter, body, NewStatusInfo(StatusSuccess, nil))
	}
	return nil
}

func (r *Responder) handleConfirmCertAcceptance(ctx context.Context, attr *TaggedAttribute, sess *Session, counter *BodyPartCounter, body *ResponseBody) error {
	values, ok := r.decodeOrFail(attr, counter, body)
	if !ok {
		return nil
	}

	for _, v := range values {
		cca := v.(*ConfirmCertAcceptance)
		if !r.isCAName(cca.Issuer) {
			log.Infof("Confirmed certificate issuer '%s' is not this CA", rdnString(cca.Issuer))
			r.emitStatus(attr, counter, body, NewFailedStatusInfo(nil, FailBadCertID, ""))
			return nil
		}
		_, err := r.certs.GetCertificate(ctx, cca.Serial)
		if err != nil {
			log.Infof("Confirmed certificate %s not found: %s", util.GetSerialAsHex(cca.Serial), err)
			r.emitStatus(attr, counter, body, NewFailedStatusInfo(nil, FailBadCertID, ""))
			return nil
		}
	}

	r.emitStatus(attr, counter, body, NewStatusInfo(StatusSuccess, nil))
	return nil
}

func (r *Responder) handleRevokeRequest(ctx context.Context, attr *TaggedAttribute, sess *Session, counter *BodyPartCounter, body *ResponseBody) error {
	values, ok := r.decodeOrFail(attr, counter, body)
	if !ok {
		return nil
	}

	for i, v := range values {
		_, err := r.revoke(ctx, attr.BodyPartID, attr.Values[i], v.(*RevokeRequest), sess)
		if err != nil {
			r.emitStatus(attr, counter, body, NewFailedStatusInfo(nil, failInfoFor(err), ""))
			return nil
		}
	}

	r.emitStatus(attr, counter, body, NewStatusInfo(StatusSuccess, nil))
	return nil
}

// isCAName reports whether name is the subject of the responding CA
func (r *Responder) isCAName(name pkix.RDNSequence) bool {
	caCert := r.ca.Certificate()
	der, err := asn1.Marshal(name)
	if err == nil && bytes.Equal(der, caCert.RawSubject) {
		return true
	}
	return strings.EqualFold(rdnString(name), caCert.Subject.String())
}

func rdnString(rdn pkix.RDNSequence) string {
	var name pkix.Name
	name.FillFromRDNSequence(&rdn)
	return name.String()
}

// failInfoFor maps a control processing error to the CMC failure reason
func failInfoFor(err error) FailInfo {
	switch caerrors.CMCCode(err) {
	case caerrors.ErrMissingProof, caerrors.ErrBadMessageCheck:
		return FailBadMessageCheck
	case caerrors.ErrCertNotFound, caerrors.ErrIssuerMismatch:
		return FailBadCertID
	case caerrors.ErrMalformedControl, caerrors.ErrQueueInternal:
		return FailBadRequest
	default:
		return FailInternalCAError
	}
}
