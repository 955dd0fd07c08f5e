package irods

import (
	irodsclient_types "github.com/cyverse/go-irodsclient/irods/types"
	"golang.org/x/xerrors"
)

// AccountConfig holds the iRODS connection settings
type AccountConfig struct {
	Host            string `yaml:"host" env:"HOST"`
	Port            int    `yaml:"port" env:"PORT"`
	User            string `yaml:"user" env:"USER"`
	Zone            string `yaml:"zone" env:"ZONE"`
	Password        string `yaml:"password" env:"PASSWORD"`
	DefaultResource string `yaml:"default_resource" env:"DEFAULT_RESOURCE"`
}

// IsConfigured returns true if the host is set
func (config *AccountConfig) IsConfigured() bool {
	return len(config.Host) > 0
}

// Validate validates field values
func (config *AccountConfig) Validate() error {
	if len(config.Host) == 0 {
		return xerrors.Errorf("irods host is not given")
	}

	if config.Port <= 0 {
		return xerrors.Errorf("irods port is not given")
	}

	if len(config.User) == 0 {
		return xerrors.Errorf("irods user is not given")
	}

	if len(config.Zone) == 0 {
		return xerrors.Errorf("irods zone is not given")
	}
	return nil
}

// MakeAccount creates an iRODS account using native authentication
func (config *AccountConfig) MakeAccount() (*irodsclient_types.IRODSAccount, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	account, err := irodsclient_types.CreateIRODSAccount(config.Host, config.Port, config.User, config.Zone, irodsclient_types.AuthSchemeNative, config.Password, config.DefaultResource)
	if err != nil {
		return nil, xerrors.Errorf("failed to create irods account: %w", err)
	}
	return account, nil
}
