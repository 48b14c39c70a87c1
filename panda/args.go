package panda

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseArgs populates a plugin argument record from the raw key=value
// options of the handle. The record is a pointer to a struct whose fields
// carry `panda:"name"` tags; `panda:"name,required"` makes an option
// mandatory and a `default:"…"` tag supplies the value of an absent one.
// Supported field types are string, bool and the unsigned integers.
//
// A missing required option is an error; plugin init is expected to treat it
// as fatal.
func (h *Handle) ParseArgs(record any) error {
	rv := reflect.ValueOf(record)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return errors.Errorf("argument record must be a pointer to struct; got %T", record)
	}
	rv = rv.Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		tag := field.Tag.Get("panda")
		if tag == "" {
			continue
		}
		name := tag
		required := false
		if idx := strings.IndexByte(tag, ','); idx != -1 {
			name = tag[:idx]
			required = tag[idx+1:] == "required"
		}
		raw, ok := h.args[name]
		if !ok {
			if required {
				return errors.Errorf("missing required plugin option %q", name)
			}
			raw, ok = field.Tag.Lookup("default")
			if !ok {
				continue
			}
		}
		if err := setField(rv.Field(i), raw); err != nil {
			return errors.Errorf("invalid value %q for plugin option %q; %v", raw, name, err)
		}
	}
	return nil
}

// setField parses raw into the given struct field.
func setField(v reflect.Value, raw string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		switch strings.ToLower(raw) {
		case "1", "true", "y", "yes", "on":
			v.SetBool(true)
		case "0", "false", "n", "no", "off":
			v.SetBool(false)
		default:
			return errors.Errorf("not a boolean")
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		base := 10
		s := raw
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			s = s[len("0x"):]
			base = 16
		}
		x, err := strconv.ParseUint(s, base, v.Type().Bits())
		if err != nil {
			return errors.WithStack(err)
		}
		v.SetUint(x)
	default:
		return errors.Errorf("unsupported field kind %v", v.Kind())
	}
	return nil
}
