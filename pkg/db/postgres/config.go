package postgres

import (
	"fmt"
	"net/url"
)

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"db_name"`
	SSLMode  string `yaml:"ssl_mode"`
	// MaxOpenConns bounds the pool. Zero leaves it unbounded.
	MaxOpenConns int `yaml:"max_open_conns"`
}

func DefaultPostgresConfig(fallbackDBName string) PostgresConfig {
	return PostgresConfig{
		Host:         "localhost",
		Port:         "5452",
		User:         "user",
		Password:     "pass",
		DBName:       fallbackDBName,
		SSLMode:      "disable",
		MaxOpenConns: 10,
	}
}

func GetConnString(options *PostgresConfig) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		options.Host, options.Port, options.User, options.Password, options.DBName, sslMode(options))
}

// GetURL renders the config as a postgres:// URL, the form golang-migrate
// expects. An empty dbName selects the DBName from the config.
func GetURL(options *PostgresConfig, dbName string) string {
	if dbName == "" {
		dbName = options.DBName
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(options.User, options.Password),
		Host:     fmt.Sprintf("%s:%s", options.Host, options.Port),
		Path:     "/" + dbName,
		RawQuery: "sslmode=" + sslMode(options),
	}
	return u.String()
}

func sslMode(options *PostgresConfig) string {
	if options.SSLMode == "" {
		return "disable"
	}
	return options.SSLMode
}
