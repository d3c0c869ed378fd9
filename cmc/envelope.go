package cmc

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/asn1"

	"github.com/cloudflare/cfssl/log"
	"github.com/digitorus/pkcs7"
	"github.com/pkg/errors"
	caerrors "github.com/rkcloudchain/cmcresponder/errors"
)

type pkiResponse struct {
	ControlSequence  []taggedAttribute
	CMSSequence      []asn1.RawValue
	OtherMsgSequence []asn1.RawValue
}

// ResponseBody is the content of a CMC response before signing
type ResponseBody struct {
	Controls     []Control
	Certificates [][]byte
}

func (b *ResponseBody) addControl(bodyPartID int, v ControlValue) {
	b.Controls = append(b.Controls, Control{BodyPartID: bodyPartID, Value: v})
}

func (b *ResponseBody) addCertificate(der []byte) {
	if len(der) == 0 || containsDER(b.Certificates, der) {
		return
	}
	b.Certificates = append(b.Certificates, der)
}

// Marshal returns the DER encoded PKIResponse carrying the controls
func (b *ResponseBody) Marshal() ([]byte, error) {
	resp := pkiResponse{
		ControlSequence:  []taggedAttribute{},
		CMSSequence:      []asn1.RawValue{},
		OtherMsgSequence: []asn1.RawValue{},
	}
	for _, c := range b.Controls {
		attr, err := NewTaggedAttribute(c.BodyPartID, c.Value)
		if err != nil {
			return nil, err
		}
		resp.ControlSequence = append(resp.ControlSequence, attr.wire())
	}
	der, err := asn1.Marshal(resp)
	if err != nil {
		return nil, caerrors.NewSigningError(caerrors.ErrEncodingFailure, "Failed to encode PKIResponse: %s", err)
	}
	return der, nil
}

// ParseResponseBody parses a DER encoded PKIResponse. Certificates are
// carried by the envelope and are not part of the result.
func ParseResponseBody(der []byte) (*ResponseBody, error) {
	var resp pkiResponse
	if err := unmarshalStrict(der, &resp); err != nil {
		return nil, caerrors.NewDecodeError("Malformed PKIResponse: %s", err)
	}
	body := &ResponseBody{}
	for _, ta := range resp.ControlSequence {
		for _, v := range ta.AttrValues {
			cv, err := Decode(ta.AttrType, v.FullBytes)
			if err != nil {
				return nil, err
			}
			body.addControl(ta.BodyPartID, cv)
		}
	}
	return body, nil
}

// caCertificates returns the CA certificate followed by its chain
func (r *Responder) caCertificates() [][]byte {
	certs := [][]byte{r.ca.Certificate().Raw}
	for _, c := range r.ca.Chain() {
		certs = append(certs, c.Raw)
	}
	return certs
}

// BuildFull builds and signs a full CMC response. Per-control failures
// are reported in the response; lookup failures of GetCert and any
// encoding or signing failure abort the build with a FatalBuildErr.
func (r *Responder) BuildFull(ctx context.Context, outcomes []CertRequestOutcome, sess *Session) ([]byte, error) {
	counter := NewBodyPartCounter()
	agg := r.aggregate(outcomes, sess, counter)

	body := &ResponseBody{Controls: agg.Controls}
	for _, o := range agg.Successes {
		body.addCertificate(o.Certificate)
	}

	for _, h := range r.handlers() {
		attr, ok := sess.Control(h.oid)
		if !ok {
			continue
		}
		log.Debugf("Processing control %s with body part %d", h.oid, attr.BodyPartID)
		err := h.handle(ctx, attr, sess, counter, body)
		if err != nil {
			if caerrors.IsFatalBuildError(err) {
				return nil, err
			}
			return nil, caerrors.NewFatalBuildError(err)
		}
	}

	for _, c := range r.caCertificates() {
		body.addCertificate(c)
	}
	return r.sign(body)
}

// BuildFailureOnly builds a signed response holding a single FAILED
// status-info over bodyPartIDs and no certificates
func (r *Responder) BuildFailureOnly(bodyPartIDs []int, fail FailInfo, msg string) ([]byte, error) {
	if len(bodyPartIDs) == 0 {
		// body part 0 refers to the request as a whole
		bodyPartIDs = []int{0}
	}
	counter := NewBodyPartCounter()
	si := NewFailedStatusInfo(bodyPartIDs, fail, msg)
	r.recorder.StatusEmitted(si.Status)
	body := &ResponseBody{}
	body.addControl(counter.Next(), si)
	return r.sign(body)
}

// BuildSimple wraps the issued certificates and the CA chain in an
// unsigned certs-only message. It returns nil when no certificate was
// issued.
func (r *Responder) BuildSimple(outcomes []CertRequestOutcome) ([]byte, error) {
	body := &ResponseBody{}
	for _, o := range outcomes {
		if o.Status == RequestOK {
			body.addCertificate(o.Certificate)
		}
	}
	if len(body.Certificates) == 0 {
		log.Debug("No certificates issued, simple response is empty")
		return nil, nil
	}
	for _, c := range r.caCertificates() {
		body.addCertificate(c)
	}

	der, err := pkcs7.DegenerateCertificate(bytes.Join(body.Certificates, nil))
	if err != nil {
		return nil, caerrors.NewFatalBuildError(
			caerrors.NewSigningError(caerrors.ErrEncodingFailure, "Failed to create certs-only message: %s", err))
	}
	return der, nil
}

func (r *Responder) sign(body *ResponseBody) ([]byte, error) {
	content, err := body.Marshal()
	if err != nil {
		return nil, caerrors.NewFatalBuildError(err)
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, signingFailure(err, "Failed to create signed data")
	}
	sd.SetContentType(OIDPKIResponse)
	sd.SetDigestAlgorithm(r.digest)

	err = sd.AddSignerChain(r.ca.Certificate(), r.ca.Signer(), r.ca.Chain(), pkcs7.SignerInfoConfig{})
	if err != nil {
		return nil, signingFailure(err, "Failed to add CA signer")
	}

	included := r.caCertificates()
	for _, der := range body.Certificates {
		if containsDER(included, der) {
			continue
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, signingFailure(err, "Failed to parse response certificate")
		}
		sd.AddCertificate(cert)
		included = append(included, der)
	}

	signed, err := sd.Finish()
	if err != nil {
		return nil, signingFailure(err, "Failed to sign CMC response")
	}
	return signed, nil
}

func signingFailure(err error, msg string) error {
	return caerrors.NewFatalBuildError(errors.WithMessage(
		caerrors.NewSigningError(caerrors.ErrEncodingFailure, "%s", err.Error()), msg))
}

func containsDER(list [][]byte, der []byte) bool {
	for _, c := range list {
		if bytes.Equal(c, der) {
			return true
		}
	}
	return false
}
