package config

import (
	dbutils "github.com/tendant/db-utils/db"
)

// DatabaseConfig holds PostgreSQL configuration for the local user, group
// and session tables.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled" env:"OAUTH2_PG_ENABLED" env-default:"false"`
	Host     string `yaml:"host" env:"OAUTH2_PG_HOST" env-default:"localhost"`
	Port     uint16 `yaml:"port" env:"OAUTH2_PG_PORT" env-default:"5432"`
	Database string `yaml:"database" env:"OAUTH2_PG_DATABASE" env-default:"oauth2_db"`
	User     string `yaml:"user" env:"OAUTH2_PG_USER" env-default:"oauth2"`
	Password string `yaml:"password" env:"OAUTH2_PG_PASSWORD" env-default:"pwd"`
}

// ToDbConfig converts the config to a db-utils DbConfig
func (d DatabaseConfig) ToDbConfig() dbutils.DbConfig {
	return dbutils.DbConfig{
		Host:     d.Host,
		Port:     d.Port,
		Database: d.Database,
		User:     d.User,
		Password: d.Password,
	}
}
