package app

import (
	"tgninja/internal/config"
	"tgninja/internal/secret"
	"tgninja/internal/storage"
	"tgninja/pkg/logx"
)

// LoadConfig loads and validates the config file without starting anything.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenStore opens the configured store. Opening a sqlite store applies its
// migrations.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

// OpenVault derives the credential vault from the configured secret.
func OpenVault(cfg *config.Config) (*secret.Vault, error) {
	return secret.New(cfg.Secrets.EncryptionKey, secret.Options{
		Salt:       cfg.Secrets.Salt,
		Iterations: cfg.Secrets.Iterations,
	})
}
