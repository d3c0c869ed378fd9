package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/cmcresponder/config"
	"github.com/rkcloudchain/cmcresponder/metadata"
	"github.com/rkcloudchain/cmcresponder/util"
)

const (
	cmdName      = "cmc-responder"
	shortName    = "cmc-responder server"
	longName     = "CloudChain CMC Response Server"
	envVarPrefix = "CMC_RESPONDER"
)

const (
	defaultCfgTemplate = `# Version of config file
version: <<<VERSION>>>

# Server's listening port (default:8054)
port: 8054

#############################################################################
#  TLS section for the server's listening port
#
#  The following types are supported for client authentication: NoClientCert,
#  RequestClientCert, RequireAnyClientCert, VerifyClientCertIfGiven,
#  and RequireAndVerifyClientCert.
#
#  Certfiles is a list of root certificate authorities that the server uses
#  when verifying client certificates.
#############################################################################
tls:
  # Enable TLS (default: false)
  enabled: false
  # TLS for the server's listening port
  certfile:
  keyfile:
  clientauth:
    type: noclientcert
    certfiles:

#############################################################################
#  The CA section holds the key material used to sign CMC responses.
#  The chainfile (if it exists) contains the issuers of the CA certificate.
#  They are added to every signed response.
#############################################################################
ca:
  # Name of this CA (default: common name of the CA certificate)
  name:
  # Key file
  keyfile: ca-key.pem
  # Certificate file (default: ca-cert.pem)
  certfile: ca-cert.pem
  # Chain file
  chainfile: ca-chain.pem

#############################################################################
#  Database section
#  Supported types are: "postgres", "mysql" and "sqlite3".
#  The datasource value depends on the type. MySQL datasources must set
#  parseTime=true, for example:
#    root:rootpw@tcp(localhost:3306)/cmc?parseTime=true
#  A sqlite3 datasource is a file name relative to the home directory.
#############################################################################
db:
  type: <<<DATABASETYPE>>>
  datasource: <<<DATASOURCE>>>

#############################################################################
#  The cmc section controls how CMC responses are built.
#
#  confirmrequired - report confirmRequired instead of success for issued
#  certificates
#  revokeverifysignature - revoke requests without a shared secret must be
#  signed by the certificate being revoked
#  lenientreasoncodes - treat unknown revocation reasons as unspecified
#  queuetimeout - maximum time to wait for a revocation to complete
#  sharedsecret - provider of revocation shared secrets: "db" reads the
#  shared_secrets table, "static" reads params.secrets (serial: secret)
#############################################################################
cmc:
  confirmrequired: false
  revokeverifysignature: true
  lenientreasoncodes: false
  queuetimeout: 30s
  sharedsecret:
    provider: db
    params:
`
)

var (
	extraArgsError = "Unrecognized arguments found: %v\n\n%s"
)

// Initialize config
func (s *ServerCmd) configInit() (err error) {
	if !s.configRequired() {
		return nil
	}

	s.cfgFileName, s.homeDirectory, err = validateAndReturnAbsConf(s.cfgFileName, s.homeDirectory)
	if err != nil {
		return err
	}

	s.v.AutomaticEnv()
	logLevel := s.v.GetString("loglevel")
	setLogLevel(logLevel)

	log.Debugf("Home directory: %s", s.homeDirectory)

	if !util.FileExists(s.cfgFileName) {
		err = s.createDefaultConfigFile()
		if err != nil {
			return errors.WithMessage(err, "Failed to create default configuration file")
		}
		log.Infof("Created default configuration file at %s", s.cfgFileName)
	} else {
		log.Infof("Configuration file location: %s", s.cfgFileName)
	}

	return config.UnmarshalConfig(s.cfg, s.v, s.cfgFileName)
}

func (s *ServerCmd) createDefaultConfigFile() error {
	dtype := s.v.GetString("db.type")
	if dtype == "" {
		return errors.New("The '-t' option is required (for example '-t mysql')")
	}

	ds := s.v.GetString("db.datasource")
	if ds == "" {
		return errors.New("The '-s datasource' option is required")
	}

	cfg := strings.Replace(defaultCfgTemplate, "<<<VERSION>>>", metadata.GetVersion(), 1)
	cfg = strings.Replace(cfg, "<<<DATABASETYPE>>>", dtype, 1)
	cfg = strings.Replace(cfg, "<<<DATASOURCE>>>", ds, 1)
	cfgDir := filepath.Dir(s.cfgFileName)
	err := os.MkdirAll(cfgDir, 0755)
	if err != nil {
		return err
	}

	return ioutil.WriteFile(s.cfgFileName, []byte(cfg), 0644)
}

func setLogLevel(logLevel string) {
	switch strings.ToUpper(logLevel) {
	case "INFO":
		log.Level = log.LevelInfo
	case "WARNING":
		log.Level = log.LevelWarning
	case "DEBUG":
		log.Level = log.LevelDebug
	case "ERROR":
		log.Level = log.LevelError
	case "CRITICAL":
		log.Level = log.LevelCritical
	case "FATAL":
		log.Level = log.LevelFatal
	default:
		log.Level = log.LevelInfo
	}
}

// checks to see that there are no conflicts between the configuration file path and home directory.
// If no conflicts, returns back the absolute path for the configuration file and home directory.
func validateAndReturnAbsConf(configFilePath, homeDir string) (string, string, error) {
	var err error
	var homeDirSet bool
	var configFileSet bool

	defaultConfig := defaultConfigFile()
	if configFilePath == "" {
		configFilePath = defaultConfig
	} else {
		configFileSet = true
	}

	if homeDir == "" {
		homeDir = filepath.Dir(defaultConfig)
	} else {
		homeDirSet = true
	}

	homeDir, err = filepath.Abs(homeDir)
	if err != nil {
		return "", "", errors.Wrap(err, "Failed to get full path of config file")
	}
	homeDir = strings.TrimRight(homeDir, string(os.PathSeparator))

	if configFileSet && homeDirSet {
		log.Warning("Using both --config and --home CLI flags; --config will take precedence")
	}

	if configFileSet {
		configFilePath, err = filepath.Abs(configFilePath)
		if err != nil {
			return "", "", errors.Wrap(err, "Failed to get full path of configuration file")
		}
		return configFilePath, filepath.Dir(configFilePath), nil
	}

	configFile := filepath.Join(homeDir, filepath.Base(defaultConfig))
	return configFile, homeDir, nil
}

func defaultConfigFile() string {
	fname := fmt.Sprintf("%s-config.yaml", cmdName)
	home := "."
	envs := []string{"CMC_RESPONDER_HOME", "CA_CFG_PATH"}
	for _, env := range envs {
		envVal := os.Getenv(env)
		if envVal != "" {
			home = envVal
			break
		}
	}
	return filepath.Join(home, fname)
}
