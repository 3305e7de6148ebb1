package relay

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ErrNotPointer is returned by SetConfigFromEnvVars when s is not a pointer
// to a struct.
var ErrNotPointer = errors.New("config target must be a pointer to a struct")

// GetenvOrDefault returns the trimmed value of key, or defaultValue when it
// is unset or blank.
func GetenvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	return value
}

// GetenvBoolOrDefault parses key as a bool, falling back on any failure.
func GetenvBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(GetenvOrDefault(key, ""))
	if err != nil {
		return defaultValue
	}

	return value
}

// GetenvIntOrDefault parses key as an int64, falling back on any failure.
func GetenvIntOrDefault(key string, defaultValue int64) int64 {
	value, err := strconv.ParseInt(GetenvOrDefault(key, ""), 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// GetenvDurationOrDefault parses key with time.ParseDuration. A bare integer
// is read as seconds.
func GetenvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	raw := GetenvOrDefault(key, "")
	if raw == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}

	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultValue
}

// SetConfigFromEnvVars fills the exported fields of the struct pointed to by
// s from the variables named in their `env` tags. Unset variables leave the
// field untouched so defaults assigned beforehand survive.
func SetConfigFromEnvVars(s any) error {
	v := reflect.ValueOf(s)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrNotPointer
	}

	elem := v.Elem()
	t := elem.Type()

	for i := range t.NumField() {
		field := t.Field(i)

		key, ok := field.Tag.Lookup("env")
		if !ok || key == "" || !field.IsExported() {
			continue
		}

		raw := GetenvOrDefault(key, "")
		if raw == "" {
			continue
		}

		if err := setField(elem.Field(i), raw); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(fv reflect.Value, raw string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			secs, intErr := strconv.ParseInt(raw, 10, 64)
			if intErr != nil {
				return fmt.Errorf("parse duration %q: %w", raw, err)
			}

			d = time.Duration(secs) * time.Second
		}

		fv.SetInt(int64(d))

		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parse bool %q: %w", raw, err)
		}

		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse int %q: %w", raw, err)
		}

		fv.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, fv.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse float %q: %w", raw, err)
		}

		fv.SetFloat(f)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", fv.Type())
		}

		parts := strings.Split(raw, ",")
		out := reflect.MakeSlice(fv.Type(), 0, len(parts))

		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = reflect.Append(out, reflect.ValueOf(p).Convert(fv.Type().Elem()))
			}
		}

		fv.Set(out)
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}

	return nil
}
