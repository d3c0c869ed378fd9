package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// CMCConfig is the CMC response engine policy
type CMCConfig struct {
	// ConfirmRequired reports CONFIRM_REQUIRED instead of SUCCESS for issued certificates
	ConfirmRequired bool `def:"false" help:"Require clients to confirm acceptance of issued certificates"`
	// RevokeVerifySignature requires a signed proof for revoke requests without a shared secret
	RevokeVerifySignature bool `def:"true" help:"Verify the signature of revoke requests that carry no shared secret"`
	// LenientReasonCodes maps unknown revocation reasons to unspecified instead of rejecting them
	LenientReasonCodes bool `def:"false" help:"Treat unknown revocation reason codes as unspecified"`
	// QueueTimeout bounds the wait for a submitted revocation to complete
	QueueTimeout time.Duration `def:"30s" help:"Maximum time to wait for a revocation request to complete"`
	// SharedSecret selects the revocation shared secret provider
	SharedSecret SharedSecretConfig
}

// SharedSecretConfig selects a shared secret provider and its parameters
type SharedSecretConfig struct {
	Provider string                 `help:"Shared secret provider for revoke requests (static, db)"`
	Params   map[string]interface{} `skip:"true"`
}

// UnmarshalConfig unmarshals a configuration file
func UnmarshalConfig(cfg interface{}, vp *viper.Viper, configFile string) error {
	vp.SetConfigFile(configFile)
	err := vp.ReadInConfig()
	if err != nil {
		return errors.Wrapf(err, "Failed to read config file '%s'", configFile)
	}

	err = vp.Unmarshal(cfg)
	if err != nil {
		return errors.Wrapf(err, "Incorrect format in file '%s'", configFile)
	}
	return nil
}
