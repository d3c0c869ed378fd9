package cmc

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/cloudflare/cfssl/log"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/cmcresponder/config"
	"github.com/rkcloudchain/cmcresponder/util"
)

// SharedSecretProvider resolves the revocation shared secret of a
// certificate. A nil secret with a nil error means no secret is on file.
type SharedSecretProvider interface {
	GetSharedSecret(ctx context.Context, serial *big.Int) ([]byte, error)
}

// ProviderFactory creates a shared secret provider from its config params
type ProviderFactory func(params map[string]interface{}) (SharedSecretProvider, error)

// SecretProviderRegistry maps provider names to factories
type SecretProviderRegistry struct {
	mutex     sync.RWMutex
	factories map[string]ProviderFactory
}

// NewSecretProviderRegistry returns a registry holding the static provider
func NewSecretProviderRegistry() *SecretProviderRegistry {
	r := &SecretProviderRegistry{factories: make(map[string]ProviderFactory)}
	r.Register(StaticProviderName, NewStaticSecretProvider)
	return r
}

// Register adds a provider factory under name
func (r *SecretProviderRegistry) Register(name string, factory ProviderFactory) error {
	name = strings.ToLower(name)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.factories[name]; ok {
		return errors.Errorf("Shared secret provider '%s' is already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// New creates the provider selected by cfg. An empty provider name
// selects no provider.
func (r *SecretProviderRegistry) New(cfg *config.SharedSecretConfig) (SharedSecretProvider, error) {
	if cfg == nil || cfg.Provider == "" {
		log.Debug("No shared secret provider configured")
		return nil, nil
	}

	name := strings.ToLower(cfg.Provider)
	r.mutex.RLock()
	factory, ok := r.factories[name]
	r.mutex.RUnlock()
	if !ok {
		return nil, errors.Errorf("Unknown shared secret provider '%s'", cfg.Provider)
	}

	p, err := factory(cfg.Params)
	if err != nil {
		return nil, errors.WithMessage(err, "Failed to create shared secret provider "+name)
	}
	log.Infof("Using shared secret provider '%s'", name)
	return p, nil
}

// StaticProviderName selects StaticSecretProvider
const StaticProviderName = "static"

// StaticSecretProvider serves secrets listed in the configuration,
// keyed by hex serial number
type StaticSecretProvider struct {
	secrets map[string]string
}

type staticParams struct {
	Secrets map[string]string `mapstructure:"secrets"`
}

// NewStaticSecretProvider creates a StaticSecretProvider from params
func NewStaticSecretProvider(params map[string]interface{}) (SharedSecretProvider, error) {
	var sp staticParams
	err := mapstructure.Decode(params, &sp)
	if err != nil {
		return nil, errors.Wrap(err, "Invalid static shared secret provider params")
	}

	secrets := make(map[string]string, len(sp.Secrets))
	for serial, secret := range sp.Secrets {
		s, err := util.ParseSerialHex(serial)
		if err != nil {
			return nil, err
		}
		secrets[util.GetSerialAsHex(s)] = secret
	}
	return &StaticSecretProvider{secrets: secrets}, nil
}

// GetSharedSecret implements SharedSecretProvider
func (p *StaticSecretProvider) GetSharedSecret(ctx context.Context, serial *big.Int) ([]byte, error) {
	secret, ok := p.secrets[util.GetSerialAsHex(serial)]
	if !ok {
		return nil, nil
	}
	return []byte(secret), nil
}
