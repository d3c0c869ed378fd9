package cmc

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

const revokeBodyPart = 5

func signProof(t *testing.T, payload []byte, cert *x509.Certificate, key crypto.PrivateKey) []byte {
	sd, err := pkcs7.NewSignedData(payload)
	require.NoError(t, err)
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	require.NoError(t, sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}))
	der, err := sd.Finish()
	require.NoError(t, err)
	return der
}

// revokeStatus runs a full build over sess and returns the status-info
// reported for the revoke request control
func revokeStatus(t *testing.T, env *testEnv, sess *Session) *StatusInfo {
	der, err := env.responder.BuildFull(context.Background(), nil, sess)
	require.NoError(t, err)
	_, body := parseResponse(t, der)

	var found *StatusInfo
	for _, si := range statusInfos(body) {
		if len(si.BodyList) == 1 && si.BodyList[0] == revokeBodyPart {
			require.Nil(t, found, "revoke request reported twice")
			found = si
		}
	}
	require.NotNil(t, found)
	return found
}

func revokeSession(t *testing.T, values ...ControlValue) *Session {
	sess := NewSession()
	sess.Requester = "admin"
	sess.AddControl(mustAttr(t, revokeBodyPart, values...))
	return sess
}

func assertFailed(t *testing.T, si *StatusInfo, fail FailInfo) {
	assert.Equal(t, StatusFailed, si.Status)
	require.NotNil(t, si.FailInfo)
	assert.Equal(t, fail, *si.FailInfo)
}

func TestRevokeSharedSecret(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), fakeSecrets{"4d": "s3cret"})
	cert, _ := env.ca.issue(t, "client-77", 77)
	env.repo.add(cert, false)

	invalidity := testNow.Add(-48 * time.Hour)
	sess := revokeSession(t, &RevokeRequest{
		Issuer:         caRDN(env.ca),
		Serial:         big.NewInt(77),
		Reason:         1,
		InvalidityDate: invalidity,
		SharedSecret:   []byte("s3cret"),
	})

	si := revokeStatus(t, env, sess)
	assert.Equal(t, StatusSuccess, si.Status)

	require.Equal(t, 1, env.queue.submissions())
	entry := env.queue.submitted[0]
	assert.Equal(t, "admin", entry.Requester)
	assert.Equal(t, ocsp.KeyCompromise, entry.Reason)
	assert.Equal(t, 0, entry.Entry.SerialNumber.Cmp(big.NewInt(77)))
	assert.True(t, testNow.Equal(entry.Entry.RevocationTime))
	require.Len(t, entry.Entry.Extensions, 2)
	assert.True(t, oidExtensionReasonCode.Equal(entry.Entry.Extensions[0].Id))
	var reason asn1.Enumerated
	_, err := asn1.Unmarshal(entry.Entry.Extensions[0].Value, &reason)
	require.NoError(t, err)
	assert.Equal(t, asn1.Enumerated(ocsp.KeyCompromise), reason)
	assert.True(t, oidExtensionInvalidityDate.Equal(entry.Entry.Extensions[1].Id))

	require.Len(t, env.audit.records, 1)
	rec := env.audit.records[0]
	assert.Equal(t, AuditSuccess, rec.Outcome)
	assert.Equal(t, "admin", rec.Requester)
	assert.Equal(t, "4d", rec.Serial)
	assert.Equal(t, cert.Subject.String(), rec.Subject)
	assert.Equal(t, ocsp.KeyCompromise, rec.Reason)
}

func TestRevokeAlreadyRevoked(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), fakeSecrets{"4d": "s3cret"})
	cert, _ := env.ca.issue(t, "client-77", 77)
	env.repo.add(cert, true)

	sess := revokeSession(t, &RevokeRequest{Issuer: caRDN(env.ca), Serial: big.NewInt(77), Reason: 1, SharedSecret: []byte("s3cret")})

	si := revokeStatus(t, env, sess)
	assert.Equal(t, StatusSuccess, si.Status)
	assert.Equal(t, 0, env.queue.submissions())
	require.Len(t, env.audit.records, 1)
	assert.Equal(t, "already revoked", env.audit.records[0].Detail)
}

func TestRevokeSharedSecretMismatch(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), fakeSecrets{"4d": "s3cret"})
	cert, _ := env.ca.issue(t, "client-77", 77)
	env.repo.add(cert, false)

	sess := revokeSession(t, &RevokeRequest{Issuer: caRDN(env.ca), Serial: big.NewInt(77), Reason: 1, SharedSecret: []byte("guess")})

	assertFailed(t, revokeStatus(t, env, sess), FailBadMessageCheck)
	assert.Equal(t, 0, env.queue.submissions())
	for _, rec := range env.audit.records {
		assert.NotEqual(t, AuditSuccess, rec.Outcome)
	}
}

func TestRevokeSharedSecretUnavailable(t *testing.T) {
	rr := func(env *testEnv) *RevokeRequest {
		return &RevokeRequest{Issuer: caRDN(env.ca), Serial: big.NewInt(77), Reason: 1, SharedSecret: []byte("s3cret")}
	}

	env := newTestEnv(t, defaultTestConfig(), nil)
	assertFailed(t, revokeStatus(t, env, revokeSession(t, rr(env))), FailInternalCAError)

	env = newTestEnv(t, defaultTestConfig(), fakeSecrets{})
	assertFailed(t, revokeStatus(t, env, revokeSession(t, rr(env))), FailInternalCAError)
	assert.Equal(t, 0, env.queue.submissions())
}

func TestRevokeSignatureProof(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), nil)
	cert, key := env.ca.issue(t, "client-77", 77)
	env.repo.add(cert, false)

	sess := revokeSession(t, &RevokeRequest{Issuer: caRDN(env.ca), Serial: big.NewInt(77), Reason: 4})
	attr, _ := sess.Control(OIDRevokeRequest)
	sess.SignedMessages[revokeBodyPart] = signProof(t, attr.Values[0], cert, key)

	si := revokeStatus(t, env, sess)
	assert.Equal(t, StatusSuccess, si.Status)
	assert.Equal(t, 1, env.queue.submissions())
	assert.Equal(t, ocsp.Superseded, env.queue.submitted[0].Reason)
}

func TestRevokeSignatureProofRejected(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), nil)
	cert, key := env.ca.issue(t, "client-77", 77)
	env.repo.add(cert, false)

	rr := &RevokeRequest{Issuer: caRDN(env.ca), Serial: big.NewInt(77), Reason: 1}

	// no signed message
	sess := revokeSession(t, rr)
	assertFailed(t, revokeStatus(t, env, sess), FailBadMessageCheck)

	// signer not issued by this CA
	foreign := newTestCA(t, "foreign-ca")
	fcert, fkey := foreign.issue(t, "intruder", 77)
	sess = revokeSession(t, rr)
	attr, _ := sess.Control(OIDRevokeRequest)
	sess.SignedMessages[revokeBodyPart] = signProof(t, attr.Values[0], fcert, fkey)
	assertFailed(t, revokeStatus(t, env, sess), FailBadMessageCheck)

	// signature over a different request
	other, err := Encode(&RevokeRequest{Issuer: caRDN(env.ca), Serial: big.NewInt(78), Reason: 1})
	require.NoError(t, err)
	sess = revokeSession(t, rr)
	sess.SignedMessages[revokeBodyPart] = signProof(t, other, cert, key)
	assertFailed(t, revokeStatus(t, env, sess), FailBadMessageCheck)

	// garbage
	sess = revokeSession(t, rr)
	sess.SignedMessages[revokeBodyPart] = []byte{0x30, 0x03, 0x02, 0x01, 0x01}
	assertFailed(t, revokeStatus(t, env, sess), FailBadMessageCheck)

	assert.Equal(t, 0, env.queue.submissions())
	assert.Empty(t, env.audit.records)
}

func TestRevokeSignatureVerificationDisabled(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.RevokeVerifySignature = false
	env := newTestEnv(t, cfg, nil)
	cert, _ := env.ca.issue(t, "client-77", 77)
	env.repo.add(cert, false)

	sess := revokeSession(t, &RevokeRequest{Issuer: caRDN(env.ca), Serial: big.NewInt(77), Reason: 0})
	assert.Equal(t, StatusSuccess, revokeStatus(t, env, sess).Status)
	assert.Equal(t, 1, env.queue.submissions())
}

func TestRevokeLookupFailures(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), fakeSecrets{"4d": "s3cret", "4e": "s3cret"})
	cert, _ := env.ca.issue(t, "client-77", 77)
	env.repo.add(cert, false)

	sess := revokeSession(t, &RevokeRequest{Issuer: caRDN(env.ca), Serial: big.NewInt(78), Reason: 1, SharedSecret: []byte("s3cret")})
	assertFailed(t, revokeStatus(t, env, sess), FailBadCertID)

	foreign := newTestCA(t, "foreign-ca")
	sess = revokeSession(t, &RevokeRequest{Issuer: caRDN(foreign), Serial: big.NewInt(77), Reason: 1, SharedSecret: []byte("s3cret")})
	assertFailed(t, revokeStatus(t, env, sess), FailBadCertID)

	env.repo.err = errors.New("connection refused")
	sess = revokeSession(t, &RevokeRequest{Issuer: caRDN(env.ca), Serial: big.NewInt(77), Reason: 1, SharedSecret: []byte("s3cret")})
	assertFailed(t, revokeStatus(t, env, sess), FailInternalCAError)

	assert.Equal(t, 0, env.queue.submissions())
	require.Len(t, env.audit.records, 3)
	for _, rec := range env.audit.records {
		assert.Equal(t, AuditFailure, rec.Outcome)
	}
}

func TestRevokeQueueFailures(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.QueueTimeout = 20 * time.Millisecond
	env := newTestEnv(t, cfg, fakeSecrets{"4d": "s3cret"})
	cert, _ := env.ca.issue(t, "client-77", 77)
	env.repo.add(cert, false)
	rr := &RevokeRequest{Issuer: caRDN(env.ca), Serial: big.NewInt(77), Reason: 1, SharedSecret: []byte("s3cret")}

	env.queue.block = true
	assertFailed(t, revokeStatus(t, env, revokeSession(t, rr)), FailInternalCAError)

	env.queue.block = false
	env.queue.result = QueueCompleteError
	assertFailed(t, revokeStatus(t, env, revokeSession(t, rr)), FailBadRequest)

	env.queue.result = QueueCompleteOK
	env.queue.err = errors.New("queue is closed")
	assertFailed(t, revokeStatus(t, env, revokeSession(t, rr)), FailInternalCAError)

	env.queue.err = nil
	env.queue.result = QueueOther
	assert.Equal(t, StatusSuccess, revokeStatus(t, env, revokeSession(t, rr)).Status)
	assert.Equal(t, 4, env.queue.submissions())
}

func TestRevokeReasonCodes(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), fakeSecrets{"4d": "s3cret"})
	cert, _ := env.ca.issue(t, "client-77", 77)
	env.repo.add(cert, false)
	rr := &RevokeRequest{Issuer: caRDN(env.ca), Serial: big.NewInt(77), Reason: 7, SharedSecret: []byte("s3cret")}

	assertFailed(t, revokeStatus(t, env, revokeSession(t, rr)), FailBadRequest)
	assert.Equal(t, 0, env.queue.submissions())

	cfg := defaultTestConfig()
	cfg.LenientReasonCodes = true
	env = newTestEnv(t, cfg, fakeSecrets{"4d": "s3cret"})
	env.repo.add(cert, false)
	rr.Issuer = caRDN(env.ca)

	assert.Equal(t, StatusSuccess, revokeStatus(t, env, revokeSession(t, rr)).Status)
	require.Equal(t, 1, env.queue.submissions())
	assert.Equal(t, ocsp.Unspecified, env.queue.submitted[0].Reason)
}

func TestRevokeMultipleValues(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig(), fakeSecrets{"4d": "s3cret", "4e": "other"})
	c77, _ := env.ca.issue(t, "client-77", 77)
	c78, _ := env.ca.issue(t, "client-78", 78)
	env.repo.add(c77, false)
	env.repo.add(c78, false)

	sess := revokeSession(t,
		&RevokeRequest{Issuer: caRDN(env.ca), Serial: big.NewInt(77), Reason: 1, SharedSecret: []byte("s3cret")},
		&RevokeRequest{Issuer: caRDN(env.ca), Serial: big.NewInt(78), Reason: 1, SharedSecret: []byte("wrong")},
	)
	assertFailed(t, revokeStatus(t, env, sess), FailBadMessageCheck)
	assert.Equal(t, 1, env.queue.submissions())
}
