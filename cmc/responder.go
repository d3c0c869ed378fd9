package cmc

import (
	"context"
	"crypto"
	"crypto/dsa"
	"crypto/x509"
	"encoding/asn1"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/cloudflare/cfssl/signer"
	"github.com/digitorus/pkcs7"
	"github.com/jmhodges/clock"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/cmcresponder/config"
	caerrors "github.com/rkcloudchain/cmcresponder/errors"
)

// DefaultQueueTimeout bounds a revocation wait when none is configured
const DefaultQueueTimeout = 30 * time.Second

// Response is a built response body and its content type
type Response struct {
	Body        []byte
	ContentType string
}

// Collaborators are the services a Responder calls out to
type Collaborators struct {
	CA       SigningContext
	Certs    CertRepository
	Queue    RequestQueue
	Audit    AuditSink
	Secrets  SharedSecretProvider
	Recorder Recorder
	Clock    clock.Clock
}

// Responder turns decided request outcomes into CMC responses
type Responder struct {
	cfg      config.CMCConfig
	ca       SigningContext
	certs    CertRepository
	queue    RequestQueue
	audit    AuditSink
	secrets  SharedSecretProvider
	recorder Recorder
	clock    clock.Clock
	sigAlg   x509.SignatureAlgorithm
	digest   asn1.ObjectIdentifier
}

// NewResponder creates a Responder. The CA key type must map to a
// supported signature algorithm.
func NewResponder(cfg config.CMCConfig, c Collaborators) (*Responder, error) {
	if c.CA == nil || c.CA.Certificate() == nil || c.CA.Signer() == nil {
		return nil, errors.New("A CA signing context is required")
	}
	if c.Certs == nil {
		return nil, errors.New("A certificate repository is required")
	}
	if c.Queue == nil {
		return nil, errors.New("A request queue is required")
	}

	sigAlg, digest, err := SelectAlgorithms(c.CA.Signer())
	if err != nil {
		return nil, err
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultQueueTimeout
	}

	r := &Responder{
		cfg:      cfg,
		ca:       c.CA,
		certs:    c.Certs,
		queue:    c.Queue,
		audit:    c.Audit,
		secrets:  c.Secrets,
		recorder: c.Recorder,
		clock:    c.Clock,
		sigAlg:   sigAlg,
		digest:   digest,
	}
	if r.recorder == nil {
		r.recorder = nopRecorder{}
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	log.Debugf("CMC responder signs with %s", sigAlg)
	return r, nil
}

// SignatureAlgorithm returns the algorithm responses are signed with
func (r *Responder) SignatureAlgorithm() x509.SignatureAlgorithm {
	return r.sigAlg
}

// Respond builds the response for a session. CMC builds that fail are
// replaced by a signed failure response over every input body part.
func (r *Responder) Respond(ctx context.Context, outcomes []CertRequestOutcome, sess *Session) (*Response, error) {
	if sess == nil {
		sess = NewSession()
	}

	if sess.Format == FormatSimple {
		body, err := r.BuildSimple(outcomes)
		r.recorder.ResponseBuilt("simple", err)
		if err != nil {
			return nil, err
		}
		return &Response{Body: body, ContentType: ContentType}, nil
	}

	body, err := r.BuildFull(ctx, outcomes, sess)
	r.recorder.ResponseBuilt("full", err)
	if err == nil {
		return &Response{Body: body, ContentType: ContentType}, nil
	}

	log.Errorf("Failed to build CMC response, sending failure response: %s", err)
	body, ferr := r.BuildFailureOnly(sess.bodyPartIDs(outcomes), FailInternalCAError, "Internal CA error")
	r.recorder.ResponseBuilt("failure", ferr)
	if ferr != nil {
		return nil, caerrors.NewFatalBuildError(errors.WithMessage(ferr, err.Error()))
	}
	return &Response{Body: body, ContentType: ContentType}, nil
}

// SelectAlgorithms picks the signature and digest algorithm for a CA key
func SelectAlgorithms(key crypto.Signer) (x509.SignatureAlgorithm, asn1.ObjectIdentifier, error) {
	var sigAlg x509.SignatureAlgorithm
	switch key.Public().(type) {
	case *dsa.PublicKey:
		sigAlg = x509.DSAWithSHA256
	default:
		sigAlg = signer.DefaultSigAlgo(key)
	}

	switch sigAlg {
	case x509.SHA1WithRSA, x509.DSAWithSHA1, x509.ECDSAWithSHA1:
		return sigAlg, pkcs7.OIDDigestAlgorithmSHA1, nil
	case x509.SHA256WithRSA, x509.DSAWithSHA256, x509.ECDSAWithSHA256:
		return sigAlg, pkcs7.OIDDigestAlgorithmSHA256, nil
	case x509.SHA384WithRSA, x509.ECDSAWithSHA384:
		return sigAlg, pkcs7.OIDDigestAlgorithmSHA384, nil
	case x509.SHA512WithRSA, x509.ECDSAWithSHA512:
		return sigAlg, pkcs7.OIDDigestAlgorithmSHA512, nil
	}
	return x509.UnknownSignatureAlgorithm, nil, caerrors.NewSigningError(caerrors.ErrUnsupportedKeyType,
		"Unsupported CA key type %T", key.Public())
}
