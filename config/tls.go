package config

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/cmcresponder/util"
)

const defaultClientAuth = "noclientcert"

// DefaultCipherSuites is a set of strong TLS cipher suites
var DefaultCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
}

var clientAuthTypes = map[string]tls.ClientAuthType{
	"noclientcert":               tls.NoClientCert,
	"requestclientcert":          tls.RequestClientCert,
	"requireanyclientcert":       tls.RequireAnyClientCert,
	"verifyclientcertifgiven":    tls.VerifyClientCertIfGiven,
	"requireandverifyclientcert": tls.RequireAndVerifyClientCert,
}

// GetServerTLSConfig creates a tls.Config for the server's listening port
func GetServerTLSConfig(cfg *ServerTLSConfig) (*tls.Config, error) {
	if !util.FileExists(cfg.KeyFile) {
		return nil, errors.Errorf("File specified by 'tls.keyfile' does not exists: %s", cfg.KeyFile)
	} else if !util.FileExists(cfg.CertFile) {
		return nil, errors.Errorf("File specified by 'tls.certfile' does not exists: %s", cfg.CertFile)
	}
	log.Debugf("TLS Certificate: %s, TLS Key: %s", cfg.CertFile, cfg.KeyFile)

	err := checkCertDates(cfg.CertFile)
	if err != nil {
		return nil, err
	}

	cer, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to load TLS key pair")
	}

	if cfg.ClientAuth.Type == "" {
		cfg.ClientAuth.Type = defaultClientAuth
	}
	log.Debugf("Client authentication type requested: %s", cfg.ClientAuth.Type)

	authType := strings.ToLower(cfg.ClientAuth.Type)
	clientAuth, ok := clientAuthTypes[authType]
	if !ok {
		return nil, errors.New("Invalid client auth type provided")
	}

	var certPool *x509.CertPool
	if authType != defaultClientAuth {
		certPool, err = LoadPEMCertPool(cfg.ClientAuth.CertFiles)
		if err != nil {
			return nil, err
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cer},
		ClientAuth:   clientAuth,
		ClientCAs:    certPool,
		MinVersion:   tls.VersionTLS12,
		CipherSuites: DefaultCipherSuites,
	}, nil
}

// LoadPEMCertPool loads a pool of PEM certificate from list of files
func LoadPEMCertPool(certFiles []string) (*x509.CertPool, error) {
	certPool := x509.NewCertPool()

	if len(certFiles) > 0 {
		for _, cert := range certFiles {
			log.Debugf("Reading cert file: %s", cert)
			pemCerts, err := ioutil.ReadFile(cert)
			if err != nil {
				return nil, err
			}

			log.Debugf("Appending cert %s to pool", cert)
			if !certPool.AppendCertsFromPEM(pemCerts) {
				return nil, errors.New("Failed to load cert pool")
			}
		}
	}

	return certPool, nil
}

func checkCertDates(certFile string) error {
	log.Debug("Check server TLS certificate for valid dates")
	certPEM, err := ioutil.ReadFile(certFile)
	if err != nil {
		return errors.Wrapf(err, "Failed to read file '%s'", certFile)
	}

	cert, err := helpers.ParseCertificatePEM(certPEM)
	if err != nil {
		return errors.Wrapf(err, "Failed to parse certificate file '%s'", certFile)
	}

	currentTime := time.Now().UTC()
	if currentTime.After(cert.NotAfter) {
		return errors.New("Certificate provided has expired")
	}
	if currentTime.Before(cert.NotBefore) {
		return errors.New("Certificate provided not valid until later date")
	}

	return nil
}

// AbsTLSServer makes TLS server files absolute
func AbsTLSServer(cfg *ServerTLSConfig, configDir string) error {
	var err error

	for i := 0; i < len(cfg.ClientAuth.CertFiles); i++ {
		cfg.ClientAuth.CertFiles[i], err = util.MakeFileAbs(cfg.ClientAuth.CertFiles[i], configDir)
		if err != nil {
			return err
		}
	}

	cfg.CertFile, err = util.MakeFileAbs(cfg.CertFile, configDir)
	if err != nil {
		return err
	}

	cfg.KeyFile, err = util.MakeFileAbs(cfg.KeyFile, configDir)
	if err != nil {
		return err
	}

	return nil
}

// AbsCAFiles makes CA key material files absolute
func AbsCAFiles(cfg *CAInfo, configDir string) error {
	return util.MakeFileNamesAbsolute([]*string{&cfg.Certfile, &cfg.Keyfile, &cfg.Chainfile}, configDir)
}
