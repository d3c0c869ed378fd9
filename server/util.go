package server

import (
	"encoding/base64"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/rkcloudchain/cmcresponder/api"
	"github.com/rkcloudchain/cmcresponder/cmc"
	caerrors "github.com/rkcloudchain/cmcresponder/errors"
)

// ReadBody reads the request body and JSON unmarshals into 'body'
func ReadBody(r *http.Request, body interface{}) error {
	empty, err := TryReadBody(r, body)
	if err != nil {
		return err
	}
	if empty {
		return caerrors.NewHTTPErr(400, caerrors.ErrEmptyReqBody, "Empty request body")
	}
	return nil
}

// TryReadBody reads the request body into 'body' if not empty
func TryReadBody(r *http.Request, body interface{}) (bool, error) {
	buf, err := ReadBodyBytes(r)
	if err != nil {
		return false, err
	}
	empty := len(buf) == 0
	if !empty {
		err = json.Unmarshal(buf, body)
		if err != nil {
			return true, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid request body: %s; body=%s", err, string(buf))
		}
	}
	return empty, nil
}

// ReadBodyBytes reads the request body and returns bytes
func ReadBodyBytes(r *http.Request) ([]byte, error) {
	buf, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrReadingReqBody, "Failed reading request body: %s", err)
	}
	return buf, nil
}

var outcomeStatuses = map[string]cmc.RequestStatus{
	api.OutcomeOK:      cmc.RequestOK,
	api.OutcomePending: cmc.RequestPending,
	api.OutcomeFailed:  cmc.RequestFailed,
}

// toSession converts a transport request into the outcomes and session
// the responder works on
func toSession(req *api.CMCResponseRequestNet) ([]cmc.CertRequestOutcome, *cmc.Session, error) {
	outcomes := make([]cmc.CertRequestOutcome, 0, len(req.Outcomes))
	for _, o := range req.Outcomes {
		status, ok := outcomeStatuses[strings.ToLower(o.Status)]
		if !ok {
			return nil, nil, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid status '%s' for body part %d", o.Status, o.BodyPartID)
		}
		outcome := cmc.CertRequestOutcome{
			BodyPartID: o.BodyPartID,
			RequestID:  o.RequestID,
			Status:     status,
		}
		if o.Certificate != "" {
			der, err := base64.StdEncoding.DecodeString(o.Certificate)
			if err != nil {
				return nil, nil, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid certificate for body part %d: %s", o.BodyPartID, err)
			}
			outcome.Certificate = der
		}
		outcomes = append(outcomes, outcome)
	}

	sess := cmc.NewSession()
	for i, c := range req.Controls {
		der, err := base64.StdEncoding.DecodeString(c)
		if err != nil {
			return nil, nil, caerrors.NewHTTPErr(400, caerrors.ErrBadControl, "Invalid encoding of control %d: %s", i, err)
		}
		attr, err := cmc.ParseTaggedAttribute(der)
		if err != nil {
			return nil, nil, caerrors.NewHTTPErr(400, caerrors.ErrBadControl, "Invalid control %d: %s", i, err)
		}
		sess.AddControl(attr)
	}
	for _, m := range req.SignedMessages {
		der, err := base64.StdEncoding.DecodeString(m.Message)
		if err != nil {
			return nil, nil, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid signed message for body part %d: %s", m.BodyPartID, err)
		}
		sess.SignedMessages[m.BodyPartID] = der
	}

	switch strings.ToLower(req.Format) {
	case "", api.FormatCMC:
		sess.Format = cmc.FormatCMC
	case api.FormatSimple:
		sess.Format = cmc.FormatSimple
	default:
		return nil, nil, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid response format '%s'", req.Format)
	}

	sess.IdentityProofFailures = req.IdentityProofFailures
	sess.POPLinkFailures = req.POPLinkFailures
	sess.Requester = req.Requester
	sess.SingleRequest = req.SingleRequest
	return outcomes, sess, nil
}

// requesterOf returns the subject of a verified TLS client certificate,
// falling back to the requester named in the request body
func requesterOf(r *http.Request, claimed string) string {
	if r.TLS == nil || len(r.TLS.VerifiedChains) == 0 || len(r.TLS.PeerCertificates) == 0 {
		return claimed
	}
	subject := r.TLS.PeerCertificates[0].Subject.String()
	if claimed != "" && claimed != subject {
		log.Warningf("Ignoring requester '%s' claimed in request body; client certificate subject is '%s'", claimed, subject)
	}
	return subject
}
