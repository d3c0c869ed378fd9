package server

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io/ioutil"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rkcloudchain/cmcresponder/cmc"
	"github.com/rkcloudchain/cmcresponder/config"
	caerrors "github.com/rkcloudchain/cmcresponder/errors"
	"github.com/rkcloudchain/cmcresponder/util"
	"github.com/stretchr/testify/require"
)

type testPKI struct {
	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey
	caCert   *x509.Certificate
	caKey    *ecdsa.PrivateKey
}

func createCert(t *testing.T, template, parent *x509.Certificate, pub crypto.PublicKey, key crypto.Signer) *x509.Certificate {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func caTemplate(cn string, serial int64) *x509.Certificate {
	return &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"CloudChain"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
}

func newTestPKI(t *testing.T) *testPKI {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTmpl := caTemplate("Test Root CA", 1)
	rootCert := createCert(t, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caCert := createCert(t, caTemplate("Test Issuing CA", 2), rootCert, &caKey.PublicKey, rootKey)

	return &testPKI{rootCert: rootCert, rootKey: rootKey, caCert: caCert, caKey: caKey}
}

// issue creates an end entity certificate signed by the issuing CA
func (p *testPKI) issue(t *testing.T, cn string, serial int64) *x509.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return createCert(t, &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}, p.caCert, &key.PublicKey, p.caKey)
}

func writePEM(t *testing.T, path, blockType string, der ...[]byte) {
	var data []byte
	for _, d := range der {
		data = append(data, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: d})...)
	}
	require.NoError(t, ioutil.WriteFile(path, data, 0600))
}

func writeKey(t *testing.T, path string, key *ecdsa.PrivateKey) {
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	writePEM(t, path, "EC PRIVATE KEY", der)
}

// writeCAFiles writes the issuing CA's key material to dir and returns
// a config pointing at it with relative file names
func (p *testPKI) writeCAFiles(t *testing.T, dir string) config.CAInfo {
	writePEM(t, filepath.Join(dir, "ca-cert.pem"), "CERTIFICATE", p.caCert.Raw)
	writeKey(t, filepath.Join(dir, "ca-key.pem"), p.caKey)
	writePEM(t, filepath.Join(dir, "ca-chain.pem"), "CERTIFICATE", p.rootCert.Raw, p.caCert.Raw)
	return config.CAInfo{
		Certfile:  "ca-cert.pem",
		Keyfile:   "ca-key.pem",
		Chainfile: "ca-chain.pem",
	}
}

type fakeCertRepo struct {
	mutex sync.Mutex
	certs map[string]*cmc.CertRecord
}

func newFakeCertRepo(certs ...*x509.Certificate) *fakeCertRepo {
	r := &fakeCertRepo{certs: make(map[string]*cmc.CertRecord)}
	for _, c := range certs {
		r.certs[util.GetSerialAsHex(c.SerialNumber)] = &cmc.CertRecord{
			Serial:      c.SerialNumber,
			Subject:     c.Subject.String(),
			Certificate: c.Raw,
		}
	}
	return r
}

func (r *fakeCertRepo) GetCertificate(ctx context.Context, serial *big.Int) (*cmc.CertRecord, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	rec, ok := r.certs[util.GetSerialAsHex(serial)]
	if !ok {
		return nil, caerrors.NewLookupError(caerrors.ErrCertNotFound, "Certificate %s not found", serial)
	}
	return rec, nil
}

type fakeQueue struct {
	requests map[string]*cmc.RequestRecord
}

func (q *fakeQueue) Submit(ctx context.Context, entry *cmc.RevocationEntry) (cmc.QueueResult, error) {
	return cmc.QueueCompleteOK, nil
}

func (q *fakeQueue) GetRequest(ctx context.Context, id string) (*cmc.RequestRecord, error) {
	rec, ok := q.requests[id]
	if !ok {
		return nil, caerrors.NewLookupError(caerrors.ErrRequestNotFound, "Request %s not found", id)
	}
	return rec, nil
}
