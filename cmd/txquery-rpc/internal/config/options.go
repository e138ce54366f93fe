package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stellar/go/support/errors"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/db"
)

const (
	defaultHTTPEndpoint = "localhost:8000"
	// OneDayOfBlocks is the number of blocks produced in a day at five
	// seconds per block.
	OneDayOfBlocks = 17280
)

//nolint:funlen,maintidx
func (cfg *Config) options() Options {
	if cfg.optionsCache != nil {
		return *cfg.optionsCache
	}
	cfg.optionsCache = &Options{
		{
			Name:      "config-path",
			EnvVar:    "TXQUERY_RPC_CONFIG_PATH",
			TomlKey:   "-",
			Usage:     "File path to the toml configuration file",
			ConfigKey: &cfg.ConfigPath,
		},
		{
			Name:         "config-strict",
			EnvVar:       "TXQUERY_RPC_CONFIG_STRICT",
			TomlKey:      "STRICT",
			Usage:        "Enable strict toml configuration file parsing. This will prevent unknown fields in the config toml from being parsed.",
			ConfigKey:    &cfg.Strict,
			DefaultValue: false,
		},
		{
			Name:         "endpoint",
			Usage:        "Endpoint to listen and serve on",
			ConfigKey:    &cfg.Endpoint,
			DefaultValue: defaultHTTPEndpoint,
		},
		{
			Name:      "admin-endpoint",
			Usage:     "Admin endpoint to listen and serve on. WARNING: this should not be accessible from the Internet and does not use TLS. \"\" (default) disables the admin server",
			ConfigKey: &cfg.AdminEndpoint,
		},
		{
			Name:         "log-level",
			Usage:        "minimum log severity (debug, info, warn, error) to log",
			ConfigKey:    &cfg.LogLevel,
			DefaultValue: logrus.InfoLevel,
			CustomSetValue: func(option *Option, i interface{}) error {
				switch v := i.(type) {
				case nil:
					return nil
				case string:
					ll, err := logrus.ParseLevel(v)
					if err != nil {
						return fmt.Errorf("could not parse %s: %q", option.Name, v)
					}
					cfg.LogLevel = ll
				case logrus.Level:
					cfg.LogLevel = v
				case *logrus.Level:
					cfg.LogLevel = *v
				default:
					return fmt.Errorf("could not parse %s: %q", option.Name, v)
				}
				return nil
			},
			MarshalTOML: func(_ *Option) (interface{}, error) {
				return cfg.LogLevel.String(), nil
			},
		},
		{
			Name:         "log-format",
			Usage:        "format used for output logs (json or text)",
			ConfigKey:    &cfg.LogFormat,
			DefaultValue: LogFormatText,
			CustomSetValue: func(option *Option, i interface{}) error {
				switch v := i.(type) {
				case nil:
					return nil
				case string:
					return errors.Wrapf(
						cfg.LogFormat.UnmarshalText([]byte(v)),
						"could not parse %s",
						option.Name,
					)
				case LogFormat:
					cfg.LogFormat = v
				case *LogFormat:
					cfg.LogFormat = *v
				default:
					return fmt.Errorf("could not parse %s: %q", option.Name, v)
				}
				return nil
			},
			MarshalTOML: func(_ *Option) (interface{}, error) {
				return cfg.LogFormat.String(), nil
			},
		},
		{
			Name:         "db-path",
			Usage:        "SQLite DB path",
			ConfigKey:    &cfg.SQLiteDBPath,
			DefaultValue: "txquery_rpc.sqlite",
			Validate:     required,
		},
		{
			Name:         "db-open-timeout",
			Usage:        "how long to keep retrying to open the database (e.g. while another process holds its lock)",
			ConfigKey:    &cfg.DBOpenTimeout,
			DefaultValue: 30 * time.Second,
		},
		{
			Name: "block-retention-window",
			Usage: fmt.Sprintf(
				"configures the block retention window for transactions, expressed in number of blocks,"+
					" the default value is %d which corresponds to about 24 hours of history, 0 keeps everything",
				OneDayOfBlocks),
			ConfigKey:    &cfg.BlockRetentionWindow,
			DefaultValue: uint32(OneDayOfBlocks),
		},
		{
			Name:         "owned-transactions-batch-size",
			Usage:        "number of owner index entries fetched from the database per query while enumerating the transactions of an owner",
			ConfigKey:    &cfg.OwnedTransactionsBatch,
			DefaultValue: uint(db.DefaultOwnedTransactionsPageSize),
			Validate:     positive,
		},
		{
			Name:         "max-transactions-limit",
			Usage:        "Maximum amount of transactions allowed in a single getTransactionsByOwner response",
			ConfigKey:    &cfg.MaxTransactionLimit,
			DefaultValue: uint(200),
			Validate:     positive,
		},
		{
			Name:         "default-transactions-limit",
			Usage:        "Default cap on the amount of transactions included in a single getTransactionsByOwner response",
			ConfigKey:    &cfg.DefaultTransactionLimit,
			DefaultValue: uint(50),
			Validate:     positive,
		},
		{
			Name:         "request-timeout",
			Usage:        "maximum time a JSON-RPC request may take before its context is cancelled",
			ConfigKey:    &cfg.RequestTimeout,
			DefaultValue: 10 * time.Second,
		},
		{
			Name:      "cors-allowed-origins",
			Usage:     "comma separated list of origins allowed to make cross-origin requests, empty allows any origin",
			ConfigKey: &cfg.CORSAllowedOrigins,
		},
	}
	return *cfg.optionsCache
}

type missingRequiredOptionError struct {
	strErr string
	usage  string
}

func (e missingRequiredOptionError) Error() string {
	return e.strErr
}

func required(option *Option) error {
	switch reflect.ValueOf(option.ConfigKey).Elem().Kind() {
	case reflect.Slice:
		if reflect.ValueOf(option.ConfigKey).Elem().Len() > 0 {
			return nil
		}
	default:
		if !reflect.ValueOf(option.ConfigKey).Elem().IsZero() {
			return nil
		}
	}

	waysToSet := []string{}
	if option.Name != "" && option.Name != "-" {
		waysToSet = append(waysToSet, fmt.Sprintf("specify --%s on the command line", option.Name))
	}
	if option.EnvVar != "" && option.EnvVar != "-" {
		waysToSet = append(waysToSet, fmt.Sprintf("set the %s environment variable", option.EnvVar))
	}

	if tomlKey, hasTomlKey := option.getTomlKey(); hasTomlKey {
		waysToSet = append(waysToSet, fmt.Sprintf("set %s in the config file", tomlKey))
	}

	advice := ""
	switch len(waysToSet) {
	case 1:
		advice = fmt.Sprintf(" Please %s.", waysToSet[0])
	case 2:
		advice = fmt.Sprintf(" Please %s or %s.", waysToSet[0], waysToSet[1])
	case 3:
		advice = fmt.Sprintf(" Please %s, %s, or %s.", waysToSet[0], waysToSet[1], waysToSet[2])
	}

	return missingRequiredOptionError{strErr: fmt.Sprintf("%s is required.%s", option.Name, advice), usage: option.Usage}
}

func positive(option *Option) error {
	switch v := option.ConfigKey.(type) {
	case *int, *int8, *int16, *int32, *int64:
		if reflect.ValueOf(v).Elem().Int() <= 0 {
			return fmt.Errorf("%s must be positive", option.Name)
		}
	case *uint, *uint8, *uint16, *uint32, *uint64:
		if reflect.ValueOf(v).Elem().Uint() == 0 {
			return fmt.Errorf("%s must be positive", option.Name)
		}
	default:
		return fmt.Errorf("%s is not a positive integer", option.Name)
	}
	return nil
}
