package config

import (
	"fmt"
	"io"
	"reflect"

	"github.com/pelletier/go-toml"
)

func parseToml(r io.Reader, strict bool, cfg *Config) error {
	tree, err := toml.LoadReader(r)
	if err != nil {
		return err
	}

	validKeys := map[string]struct{}{}
	for _, option := range cfg.options() {
		key, ok := option.getTomlKey()
		if !ok {
			continue
		}
		validKeys[key] = struct{}{}
		value := tree.Get(key)
		if value == nil {
			// not present
			continue
		}
		if err := option.setValue(value); err != nil {
			return err
		}
	}

	if cfg.Strict || strict {
		for _, key := range tree.Keys() {
			if _, ok := validKeys[key]; !ok {
				return fmt.Errorf("invalid config: unexpected entry specified in toml file %q", key)
			}
		}
	}

	return nil
}

// MarshalTOML renders every option with a TOML key, each preceded by its
// usage as a comment. Zero values are written commented out and empty lists
// are left out.
func (cfg *Config) MarshalTOML() ([]byte, error) {
	tree, err := toml.TreeFromMap(map[string]interface{}{})
	if err != nil {
		return nil, err
	}

	for _, option := range cfg.options() {
		key, ok := option.getTomlKey()
		if !ok {
			continue
		}

		value, err := option.marshalTOML()
		if err != nil {
			return nil, err
		}
		if value == nil {
			continue
		}
		if v := reflect.ValueOf(value); v.Kind() == reflect.Slice && v.Len() == 0 {
			continue
		}

		tree.SetWithOptions(
			key,
			toml.SetOptions{
				Comment:   option.Usage,
				Commented: reflect.ValueOf(option.ConfigKey).Elem().IsZero(),
			},
			value,
		)
	}

	return tree.Marshal()
}
