//nolint:forcetypeassert // defaults are checked against ConfigKey in options()
package config

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// AddFlags registers one persistent flag per named option, so subcommands
// share them and --help lists them.
func (cfg *Config) AddFlags(cmd *cobra.Command) error {
	cfg.flagset = cmd.PersistentFlags()
	for _, option := range cfg.options() {
		if err := option.AddFlag(cfg.flagset); err != nil {
			return err
		}
	}
	return nil
}

// AddFlag registers the option on flagset, typed after its ConfigKey.
// Options with a CustomSetValue are read as strings and parsed by it.
func (o *Option) AddFlag(flagset *pflag.FlagSet) error {
	if o.Name == "" {
		return nil
	}
	usage := o.UsageText()

	switch {
	case o.CustomSetValue != nil:
		if o.DefaultValue == nil {
			o.DefaultValue = ""
		}
		flagset.String(o.Name, fmt.Sprint(o.DefaultValue), usage)
	default:
		switch o.ConfigKey.(type) {
		case *bool:
			flagset.Bool(o.Name, o.DefaultValue.(bool), usage)
		case *string:
			// pflag needs some default
			if o.DefaultValue == nil {
				o.DefaultValue = ""
			}
			flagset.String(o.Name, o.DefaultValue.(string), usage)
		case *[]string:
			if o.DefaultValue == nil {
				o.DefaultValue = []string{}
			}
			flagset.StringSlice(o.Name, o.DefaultValue.([]string), usage)
		case *time.Duration:
			flagset.Duration(o.Name, o.DefaultValue.(time.Duration), usage)
		case *uint:
			flagset.Uint(o.Name, o.DefaultValue.(uint), usage)
		case *uint32:
			flagset.Uint32(o.Name, o.DefaultValue.(uint32), usage)
		default:
			return fmt.Errorf("no flag type for option %s of type %T", o.Name, o.ConfigKey)
		}
	}

	o.flag = flagset.Lookup(o.Name)
	return nil
}

// GetFlag returns the flag's current value, typed as AddFlag registered it.
func (o *Option) GetFlag(flagset *pflag.FlagSet) (interface{}, error) {
	if o.CustomSetValue != nil {
		return flagset.GetString(o.Name)
	}
	switch o.ConfigKey.(type) {
	case *bool:
		return flagset.GetBool(o.Name)
	case *string:
		return flagset.GetString(o.Name)
	case *[]string:
		return flagset.GetStringSlice(o.Name)
	case *time.Duration:
		return flagset.GetDuration(o.Name)
	case *uint:
		return flagset.GetUint(o.Name)
	case *uint32:
		return flagset.GetUint32(o.Name)
	}
	return nil, fmt.Errorf("no flag type for option %s of type %T", o.Name, o.ConfigKey)
}

// UsageText is the option's usage followed by its environment variable.
func (o *Option) UsageText() string {
	if envVar, ok := o.getEnvKey(); ok {
		return fmt.Sprintf("%s (%s)", o.Usage, envVar)
	}
	return o.Usage
}
