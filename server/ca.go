package server

import (
	"bytes"
	"crypto"
	"crypto/dsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/cmcresponder/config"
	"github.com/rkcloudchain/cmcresponder/util"
)

const (
	certificateError = "Invalid certificate in file"
)

// CA is the certificate authority on whose behalf CMC responses are signed
type CA struct {
	// The home directory for the CA
	HomeDir string
	// The CA's configuration
	Config *config.CAInfo
	// The CA signing certificate
	cert *x509.Certificate
	// Issuers of cert, nearest first
	chain []*x509.Certificate
	// The CA signing key
	signer crypto.Signer
}

// initCA loads and validates the CA key material
func initCA(ca *CA, homeDir string, cfg *config.CAInfo) error {
	ca.HomeDir = homeDir
	ca.Config = cfg
	if ca.Config == nil {
		ca.Config = new(config.CAInfo)
	}
	return ca.initKeyMaterial()
}

// Initialize the CA's key material
func (ca *CA) initKeyMaterial() error {
	log.Debug("Initialize key material")

	err := ca.makeFileNamesAbsolute()
	if err != nil {
		return err
	}

	keyFile := ca.Config.Keyfile
	certFile := ca.Config.Certfile

	if !util.FileExists(certFile) {
		return errors.Errorf("The CA certificate file '%s' does not exist", certFile)
	}
	if keyFile == "" || !util.FileExists(keyFile) {
		return errors.Errorf("The CA key file '%s' does not exist", keyFile)
	}
	log.Infof("Key file location: %s", keyFile)
	log.Infof("Certificate file location: %s", certFile)

	err = ca.validateCertAndKey(certFile, keyFile)
	if err != nil {
		return errors.WithMessage(err, "Validation of certificate and key failed")
	}

	chain, err := loadChain(ca.Config.Chainfile, ca.cert)
	if err != nil {
		return err
	}
	ca.chain = chain

	if ca.Config.Name == "" {
		ca.Config.Name = ca.cert.Subject.CommonName
	}
	log.Infof("CA '%s' loaded with %d chain certificate(s)", ca.Config.Name, len(ca.chain))
	return nil
}

// Certificate returns the CA signing certificate
func (ca *CA) Certificate() *x509.Certificate {
	return ca.cert
}

// Chain returns the issuers of the CA certificate, nearest first
func (ca *CA) Chain() []*x509.Certificate {
	return ca.chain
}

// Signer returns the CA signing key
func (ca *CA) Signer() crypto.Signer {
	return ca.signer
}

// ChainPEM returns the CA certificate followed by its chain in PEM format
func (ca *CA) ChainPEM() []byte {
	var buf bytes.Buffer
	for _, cert := range append([]*x509.Certificate{ca.cert}, ca.chain...) {
		pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	}
	return buf.Bytes()
}

// Performs checks on the provided CA cert to make sure it's valid
func (ca *CA) validateCertAndKey(certFile string, keyFile string) error {
	log.Debug("Validating the CA certificate and key")
	var err error
	var certPEM []byte

	certPEM, err = ioutil.ReadFile(certFile)
	if err != nil {
		return errors.Wrapf(err, certificateError+" '%s'", certFile)
	}

	cert, err := helpers.ParseCertificatePEM(certPEM)
	if err != nil {
		return errors.WithMessage(err, fmt.Sprintf(certificateError+" '%s'", certFile))
	}

	if err = validateDates(cert); err != nil {
		return errors.WithMessage(err, fmt.Sprintf(certificateError+" '%s'", certFile))
	}
	if err = validateUsage(cert, ca.Config.Name); err != nil {
		return errors.WithMessage(err, fmt.Sprintf(certificateError+" '%s'", certFile))
	}
	if err = validateIsCA(cert); err != nil {
		return errors.WithMessage(err, fmt.Sprintf(certificateError+" '%s'", certFile))
	}
	if err = validateKeyType(cert); err != nil {
		return errors.WithMessage(err, fmt.Sprintf(certificateError+" '%s'", certFile))
	}
	if err = validateKeySize(cert); err != nil {
		return errors.WithMessage(err, fmt.Sprintf(certificateError+" '%s'", certFile))
	}
	key, err := validateMatchingKeys(cert, keyFile)
	if err != nil {
		return errors.WithMessage(err, fmt.Sprintf("Invalid certificate and/or key in files '%s' and '%s'", certFile, keyFile))
	}
	ca.cert = cert
	ca.signer = key
	log.Debug("Validation of CA certificate and key successful")
	return nil
}

// Make all file names in the CA config absolute
func (ca *CA) makeFileNamesAbsolute() error {
	log.Debug("Making CA file names absolute")
	return config.AbsCAFiles(ca.Config, ca.HomeDir)
}

// loadChain reads the issuers of cert from chainFile and orders them
// nearest first. A missing chain file means cert is a root.
func loadChain(chainFile string, cert *x509.Certificate) ([]*x509.Certificate, error) {
	if chainFile == "" || !util.FileExists(chainFile) {
		log.Debugf("No CA chain file found at '%s'", chainFile)
		return nil, nil
	}

	chainPEM, err := ioutil.ReadFile(chainFile)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read CA chain file '%s'", chainFile)
	}
	certs, err := helpers.ParseCertificatesPEM(chainPEM)
	if err != nil {
		return nil, errors.WithMessage(err, fmt.Sprintf("Invalid CA chain file '%s'", chainFile))
	}
	return orderChain(cert, certs), nil
}

func orderChain(cert *x509.Certificate, pool []*x509.Certificate) []*x509.Certificate {
	var chain []*x509.Certificate
	used := make([]bool, len(pool))
	cur := cert
	for !isSelfSigned(cur) {
		next := -1
		for i, c := range pool {
			if used[i] || c.Equal(cur) {
				continue
			}
			if bytes.Equal(c.RawSubject, cur.RawIssuer) && cur.CheckSignatureFrom(c) == nil {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		used[next] = true
		chain = append(chain, pool[next])
		cur = pool[next]
	}
	for i, c := range pool {
		if !used[i] && !c.Equal(cert) {
			log.Warningf("Ignoring certificate '%s' in chain file: not an issuer of the CA certificate", c.Subject)
		}
	}
	return chain
}

func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawSubject, cert.RawIssuer) && cert.CheckSignatureFrom(cert) == nil
}

func validateDates(cert *x509.Certificate) error {
	log.Debug("Check CA certificate for valid dates")

	notAfter := cert.NotAfter
	currentTime := time.Now().UTC()

	if currentTime.After(notAfter) {
		return errors.New("Certificate provided has expired")
	}

	notBefore := cert.NotBefore
	if currentTime.Before(notBefore) {
		return errors.New("Certificate provided not valid until later date")
	}

	return nil
}

func validateUsage(cert *x509.Certificate, caname string) error {
	log.Debug("Check CA certificate for valid usages")

	if cert.KeyUsage == 0 {
		return errors.New("No usage specified for certificate")
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return errors.New("The 'cert sign' key usage is required")
	}
	if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		log.Warningf("The CA certificate for the CA '%s' does not have 'digital signature' key usage, clients may reject signed CMC responses", caname)
	}
	return nil
}

func validateIsCA(cert *x509.Certificate) error {
	log.Debug("Check CA certificate for valid IsCA value")

	if !cert.IsCA {
		return errors.New("Certificate not configured to be used for CA")
	}

	return nil
}

func validateKeyType(cert *x509.Certificate) error {
	log.Debug("Check that key type is supported")

	switch cert.PublicKey.(type) {
	case *dsa.PublicKey:
		return errors.New("Unsupported key type: DSA")
	}

	return nil
}

func validateKeySize(cert *x509.Certificate) error {
	log.Debug("Check that key size is of appropriate length")

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if pub.N.BitLen() < 2048 {
			return errors.New("Key size is less than 2048 bits")
		}
	}

	return nil
}

// validateMatchingKeys returns the key in keyFile if it belongs to cert
func validateMatchingKeys(cert *x509.Certificate, keyFile string) (crypto.Signer, error) {
	log.Debug("Check that public key and private key match")

	keyPEM, err := ioutil.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}

	key, err := helpers.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}

	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, errors.New("Public key and private key do not match")
	}

	return key, nil
}
