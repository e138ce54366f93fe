package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

func parseBool(option *Option, i interface{}) error {
	target, ok := option.ConfigKey.(*bool)
	if !ok {
		return fmt.Errorf("invalid type for %s: expected *bool", option.Name)
	}
	switch v := i.(type) {
	case nil:
		return nil
	case bool:
		*target = v
	case string:
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return fmt.Errorf("invalid boolean value %s: %s", option.Name, v)
		}
		*target = b
	default:
		return fmt.Errorf("could not parse boolean %s: %v", option.Name, i)
	}
	return nil
}

// parseInt sets any signed integer kind, rejecting values which do not fit.
func parseInt(option *Option, i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		field := reflect.ValueOf(option.ConfigKey).Elem()
		if field.OverflowInt(parsed) {
			return fmt.Errorf("%s overflows %s", option.Name, field.Type())
		}
		field.SetInt(parsed)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return parseInt(option, fmt.Sprint(v))
	default:
		return fmt.Errorf("could not parse int %s: %v", option.Name, i)
	}
	return nil
}

// parseUint sets any unsigned integer kind, rejecting negative values and
// values which do not fit.
func parseUint(option *Option, i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		field := reflect.ValueOf(option.ConfigKey).Elem()
		if field.OverflowUint(parsed) {
			return fmt.Errorf("%s overflows %s", option.Name, field.Type())
		}
		field.SetUint(parsed)
	case int, int8, int16, int32, int64:
		if reflect.ValueOf(v).Int() < 0 {
			return fmt.Errorf("%s cannot be negative", option.Name)
		}
		return parseUint(option, fmt.Sprint(v))
	case uint, uint8, uint16, uint32, uint64:
		return parseUint(option, fmt.Sprint(v))
	default:
		return fmt.Errorf("could not parse uint %s: %v", option.Name, i)
	}
	return nil
}

func parseString(option *Option, i interface{}) error {
	target, ok := option.ConfigKey.(*string)
	if !ok {
		return fmt.Errorf("invalid type for %s: expected *string", option.Name)
	}
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		*target = v
	default:
		return fmt.Errorf("could not parse string %s: %v", option.Name, i)
	}
	return nil
}

func parseDuration(option *Option, i interface{}) error {
	target, ok := option.ConfigKey.(*time.Duration)
	if !ok {
		return fmt.Errorf("invalid type for %s: expected *time.Duration", option.Name)
	}
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("could not parse duration: %q: %w", v, err)
		}
		*target = d
	case time.Duration:
		*target = v
	case *time.Duration:
		*target = *v
	default:
		return fmt.Errorf("%s is not a duration", option.Name)
	}
	return nil
}

// parseStringSlice accepts a comma separated string (env vars, flags) or a
// TOML array.
func parseStringSlice(option *Option, i interface{}) error {
	target, ok := option.ConfigKey.(*[]string)
	if !ok {
		return fmt.Errorf("invalid type for %s: expected *[]string", option.Name)
	}
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			*target = nil
		} else {
			*target = strings.Split(v, ",")
		}
	case []string:
		*target = v
	case []interface{}:
		result := make([]string, len(v))
		for idx, s := range v {
			str, ok := s.(string)
			if !ok {
				return fmt.Errorf("could not parse %s: element %d is not a string", option.Name, idx)
			}
			result[idx] = str
		}
		*target = result
	default:
		return fmt.Errorf("could not parse %s: %v", option.Name, v)
	}
	return nil
}
