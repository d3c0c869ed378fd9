package cmc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"

	"github.com/cloudflare/cfssl/log"
	"github.com/digitorus/pkcs7"
	"github.com/pkg/errors"
	caerrors "github.com/rkcloudchain/cmcresponder/errors"
	"github.com/rkcloudchain/cmcresponder/util"
	"golang.org/x/crypto/ocsp"
)

// ProofMethod is how a revoke request proved the requester's identity
type ProofMethod int

// Proof methods
const (
	ProofSharedSecret ProofMethod = iota
	ProofSignature
)

func (p ProofMethod) String() string {
	if p == ProofSharedSecret {
		return "shared secret"
	}
	return "signature"
}

// RevocationOutcome records the processing of one revoke request
type RevocationOutcome struct {
	Serial         *big.Int
	ProofMethod    ProofMethod
	Verified       bool
	AlreadyRevoked bool
	QueueResult    QueueResult
}

// reasonCodes maps CRLReason values to the revocation reasons this CA records
var reasonCodes = map[asn1.Enumerated]int{
	0: ocsp.Unspecified,
	1: ocsp.KeyCompromise,
	2: ocsp.CACompromise,
	3: ocsp.AffiliationChanged,
	4: ocsp.Superseded,
	5: ocsp.CessationOfOperation,
	6: ocsp.CertificateHold,
	8: ocsp.RemoveFromCRL,
}

// revoke authorizes and executes one revoke request. raw is the DER
// value the request was decoded from.
func (r *Responder) revoke(ctx context.Context, bodyPartID int, raw []byte, rr *RevokeRequest, sess *Session) (*RevocationOutcome, error) {
	serial := util.GetSerialAsHex(rr.Serial)
	out := &RevocationOutcome{Serial: rr.Serial, QueueResult: QueueOther}

	err := r.checkProof(ctx, bodyPartID, raw, rr, sess, out)
	if err != nil {
		log.Infof("Revocation of %s rejected, %s proof failed: %s", serial, out.ProofMethod, err)
		r.recorder.RevocationCompleted("proof_failed")
		return out, err
	}
	log.Debugf("Revocation of %s: %s proof accepted (verified: %t)", serial, out.ProofMethod, out.Verified)

	rec := &AuditRecord{
		Requester: sess.Requester,
		Serial:    serial,
		Reason:    int(rr.Reason),
	}
	err = r.executeRevocation(ctx, rr, sess, out, rec)
	if err != nil {
		rec.Outcome = AuditFailure
		rec.Detail = err.Error()
		r.recorder.RevocationCompleted(AuditFailure)
	} else {
		rec.Outcome = AuditSuccess
		r.recorder.RevocationCompleted(AuditSuccess)
	}
	r.writeAudit(ctx, rec)
	return out, err
}

func (r *Responder) executeRevocation(ctx context.Context, rr *RevokeRequest, sess *Session, out *RevocationOutcome, rec *AuditRecord) error {
	serial := rec.Serial

	if !r.isCAName(rr.Issuer) {
		return caerrors.NewLookupError(caerrors.ErrIssuerMismatch, "Issuer '%s' of certificate %s is not this CA", rdnString(rr.Issuer), serial)
	}
	cert, err := r.certs.GetCertificate(ctx, rr.Serial)
	if err != nil {
		return errors.WithMessage(err, "Failed to look up certificate "+serial)
	}
	rec.Subject = cert.Subject

	if cert.Revoked {
		log.Infof("Certificate %s is already revoked", serial)
		out.AlreadyRevoked = true
		rec.Detail = "already revoked"
		return nil
	}

	reason, ok := reasonCodes[rr.Reason]
	if !ok {
		if !r.cfg.LenientReasonCodes {
			return caerrors.NewDecodeError("Unknown revocation reason %d", rr.Reason)
		}
		log.Warningf("Unknown revocation reason %d for %s, using unspecified", rr.Reason, serial)
		reason = ocsp.Unspecified
	}
	rec.Reason = reason

	entry, err := r.revocationEntry(rr, reason)
	if err != nil {
		return err
	}

	qctx, cancel := context.WithTimeout(ctx, r.cfg.QueueTimeout)
	defer cancel()
	log.Debugf("Submitting revocation of %s to the request queue", serial)
	result, err := r.queue.Submit(qctx, &RevocationEntry{
		Requester: sess.Requester,
		Subject:   cert.Subject,
		Reason:    reason,
		Comment:   rr.Comment,
		Entry:     *entry,
	})
	if err != nil {
		if qctx.Err() == context.DeadlineExceeded || errors.Cause(err) == context.DeadlineExceeded {
			return caerrors.NewQueueError(caerrors.ErrQueueTimeout, "Revocation of %s did not complete within %s", serial, r.cfg.QueueTimeout)
		}
		return errors.WithMessage(err, "Failed to submit revocation of "+serial)
	}
	out.QueueResult = result
	if result == QueueCompleteError {
		return caerrors.NewQueueError(caerrors.ErrQueueInternal, "Revocation request for %s completed with an error", serial)
	}
	log.Infof("Certificate %s revoked by %s", serial, sess.Requester)
	return nil
}

func (r *Responder) revocationEntry(rr *RevokeRequest, reason int) (*pkix.RevokedCertificate, error) {
	reasonDER, err := asn1.Marshal(asn1.Enumerated(reason))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to encode reason code")
	}
	entry := &pkix.RevokedCertificate{
		SerialNumber:   rr.Serial,
		RevocationTime: r.clock.Now().UTC(),
		Extensions: []pkix.Extension{
			{Id: oidExtensionReasonCode, Value: reasonDER},
		},
	}
	if !rr.InvalidityDate.IsZero() {
		dateDER, err := asn1.MarshalWithParams(rr.InvalidityDate.UTC(), "generalized")
		if err != nil {
			return nil, errors.Wrap(err, "Failed to encode invalidity date")
		}
		entry.Extensions = append(entry.Extensions, pkix.Extension{Id: oidExtensionInvalidityDate, Value: dateDER})
	}
	return entry, nil
}

func (r *Responder) checkProof(ctx context.Context, bodyPartID int, raw []byte, rr *RevokeRequest, sess *Session, out *RevocationOutcome) error {
	if len(rr.SharedSecret) > 0 {
		out.ProofMethod = ProofSharedSecret
		if r.secrets == nil {
			return caerrors.NewProofError(caerrors.ErrProviderUnavailable, "No shared secret provider is configured")
		}
		expected, err := r.secrets.GetSharedSecret(ctx, rr.Serial)
		if err != nil {
			return errors.WithMessage(caerrors.NewProofError(caerrors.ErrProviderUnavailable, "Shared secret provider failed"), err.Error())
		}
		if len(expected) == 0 {
			return caerrors.NewProofError(caerrors.ErrProviderUnavailable, "No shared secret on file for %s", util.GetSerialAsHex(rr.Serial))
		}
		if subtle.ConstantTimeCompare(expected, rr.SharedSecret) != 1 {
			return caerrors.NewProofError(caerrors.ErrBadMessageCheck, "Shared secret mismatch")
		}
		out.Verified = true
		return nil
	}

	out.ProofMethod = ProofSignature
	if !r.cfg.RevokeVerifySignature {
		log.Debug("Revoke request signature verification is disabled")
		return nil
	}

	signed, ok := sess.SignedMessages[bodyPartID]
	if !ok || len(signed) == 0 {
		return caerrors.NewProofError(caerrors.ErrMissingProof, "No signed message for body part %d", bodyPartID)
	}
	err := r.verifySignedProof(signed, raw)
	if err != nil {
		return err
	}
	out.Verified = true
	return nil
}

// verifySignedProof checks that signed is a SignedData over payload whose
// signer chains to this CA
func (r *Responder) verifySignedProof(signed, payload []byte) error {
	p7, err := pkcs7.Parse(signed)
	if err != nil {
		return caerrors.NewProofError(caerrors.ErrBadMessageCheck, "Malformed signed message: %s", err)
	}
	if !bytes.Equal(p7.Content, payload) {
		return caerrors.NewProofError(caerrors.ErrBadMessageCheck, "Signed content does not match the revoke request")
	}
	if p7.GetOnlySigner() == nil {
		return caerrors.NewProofError(caerrors.ErrBadMessageCheck, "Signed message must have exactly one signer")
	}

	roots := x509.NewCertPool()
	roots.AddCert(r.ca.Certificate())
	for _, c := range r.ca.Chain() {
		roots.AddCert(c)
	}
	err = p7.VerifyWithChain(roots)
	if err != nil {
		return caerrors.NewProofError(caerrors.ErrBadMessageCheck, "Signature verification failed: %s", err)
	}
	return nil
}

func (r *Responder) writeAudit(ctx context.Context, rec *AuditRecord) {
	rec.Time = r.clock.Now().UTC()
	log.Infof("Audit: revocation of %s (%s) requested by '%s', reason %d: %s %s",
		rec.Serial, rec.Subject, rec.Requester, rec.Reason, rec.Outcome, rec.Detail)
	if r.audit == nil {
		return
	}
	err := r.audit.Audit(ctx, rec)
	if err != nil {
		log.Errorf("Failed to write audit record for %s: %s", rec.Serial, err)
	}
}

