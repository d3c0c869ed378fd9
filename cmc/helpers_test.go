package cmc

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/jmhodges/clock"
	"github.com/rkcloudchain/cmcresponder/config"
	caerrors "github.com/rkcloudchain/cmcresponder/errors"
	"github.com/rkcloudchain/cmcresponder/util"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, time.March, 4, 10, 30, 0, 0, time.UTC)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func (c *testCA) Certificate() *x509.Certificate { return c.cert }
func (c *testCA) Chain() []*x509.Certificate     { return nil }
func (c *testCA) Signer() crypto.Signer           { return c.key }

func newTestCA(t *testing.T, cn string) *testCA {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"CloudChain"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key}
}

// issue creates an end entity certificate signed by the CA
func (c *testCA) issue(t *testing.T, cn string, serial int64) (*x509.Certificate, *ecdsa.PrivateKey) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, c.cert, &key.PublicKey, c.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

type fakeRepo struct {
	mutex sync.Mutex
	certs map[string]*CertRecord
	err   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{certs: make(map[string]*CertRecord)}
}

func (f *fakeRepo) add(cert *x509.Certificate, revoked bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.certs[util.GetSerialAsHex(cert.SerialNumber)] = &CertRecord{
		Serial:      cert.SerialNumber,
		Subject:     cert.Subject.String(),
		Certificate: cert.Raw,
		Revoked:     revoked,
	}
}

func (f *fakeRepo) GetCertificate(ctx context.Context, serial *big.Int) (*CertRecord, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.certs[util.GetSerialAsHex(serial)]
	if !ok {
		return nil, caerrors.NewLookupError(caerrors.ErrCertNotFound, "Certificate %s not found", util.GetSerialAsHex(serial))
	}
	return rec, nil
}

type fakeQueue struct {
	mutex     sync.Mutex
	submitted []*RevocationEntry
	requests  map[string]*RequestRecord
	result    QueueResult
	err       error
	block     bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{requests: make(map[string]*RequestRecord)}
}

func (f *fakeQueue) Submit(ctx context.Context, entry *RevocationEntry) (QueueResult, error) {
	f.mutex.Lock()
	f.submitted = append(f.submitted, entry)
	block := f.block
	f.mutex.Unlock()

	if block {
		<-ctx.Done()
		return QueueOther, ctx.Err()
	}
	return f.result, f.err
}

func (f *fakeQueue) GetRequest(ctx context.Context, id string) (*RequestRecord, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	rec, ok := f.requests[id]
	if !ok {
		return nil, caerrors.NewLookupError(caerrors.ErrRequestNotFound, "Request %s not found", id)
	}
	return rec, nil
}

func (f *fakeQueue) submissions() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.submitted)
}

type fakeAudit struct {
	mutex   sync.Mutex
	records []*AuditRecord
}

func (f *fakeAudit) Audit(ctx context.Context, rec *AuditRecord) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.records = append(f.records, rec)
	return nil
}

type fakeSecrets map[string]string

func (f fakeSecrets) GetSharedSecret(ctx context.Context, serial *big.Int) ([]byte, error) {
	s, ok := f[util.GetSerialAsHex(serial)]
	if !ok {
		return nil, nil
	}
	return []byte(s), nil
}

type testEnv struct {
	ca        *testCA
	repo      *fakeRepo
	queue     *fakeQueue
	audit     *fakeAudit
	clk       clock.FakeClock
	responder *Responder
}

func defaultTestConfig() config.CMCConfig {
	return config.CMCConfig{
		RevokeVerifySignature: true,
		QueueTimeout:          time.Second,
	}
}

func newTestEnv(t *testing.T, cfg config.CMCConfig, secrets SharedSecretProvider) *testEnv {
	env := &testEnv{
		ca:    newTestCA(t, "cmc-test-ca"),
		repo:  newFakeRepo(),
		queue: newFakeQueue(),
		audit: &fakeAudit{},
		clk:   clock.NewFake(),
	}
	env.clk.Set(testNow)

	r, err := NewResponder(cfg, Collaborators{
		CA:      env.ca,
		Certs:   env.repo,
		Queue:   env.queue,
		Audit:   env.audit,
		Secrets: secrets,
		Clock:   env.clk,
	})
	require.NoError(t, err)
	env.responder = r
	return env
}

// parseResponse verifies a signed response and returns its envelope and body
func parseResponse(t *testing.T, der []byte) (*pkcs7.PKCS7, *ResponseBody) {
	p7, err := pkcs7.Parse(der)
	require.NoError(t, err)
	require.NoError(t, p7.Verify())

	body, err := ParseResponseBody(p7.Content)
	require.NoError(t, err)
	return p7, body
}

func statusInfos(body *ResponseBody) []*StatusInfo {
	var infos []*StatusInfo
	for _, c := range body.Controls {
		if si, ok := c.Value.(*StatusInfo); ok {
			infos = append(infos, si)
		}
	}
	return infos
}

func caRDN(ca *testCA) pkix.RDNSequence {
	return ca.cert.Subject.ToRDNSequence()
}

func mustAttr(t *testing.T, bodyPartID int, values ...ControlValue) *TaggedAttribute {
	attr, err := NewTaggedAttribute(bodyPartID, values...)
	require.NoError(t, err)
	return attr
}
