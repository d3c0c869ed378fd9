package util

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Struct tags understood by RegisterFlags
const (
	TagDefault = "def"
	TagHelp    = "help"
	// TagOpt reserves a one letter shorthand, e.g. "p" for -p
	TagOpt  = "opt"
	TagSkip = "skip"
	TagHide = "hide"
)

var durationType = reflect.TypeOf(time.Duration(0))

// ConfigField is a field of a configuration struct. Path is the dotted,
// lower cased name shared by the flag and the viper key.
type ConfigField struct {
	Path   string
	Type   reflect.Type
	Tag    reflect.StructTag
	Addr   interface{}
	Hidden bool
}

// WalkConfig calls visit for every exported leaf field of the struct cfg
// points to. Nested structs are descended into and fields tagged
// skip:"true" are not visited.
func WalkConfig(cfg interface{}, visit func(*ConfigField) error) error {
	if visit == nil {
		return errors.New("nil callback")
	}
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return errors.Errorf("Expected a pointer to a config struct, got %T", cfg)
	}
	return walk(v.Elem(), "", false, visit)
}

func walk(v reflect.Value, prefix string, hidden bool, visit func(*ConfigField) error) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" || sf.Tag.Get(TagSkip) == "true" {
			continue
		}

		path := strings.ToLower(sf.Name)
		if prefix != "" {
			path = prefix + "." + path
		}
		fieldHidden := hidden
		if h, err := strconv.ParseBool(sf.Tag.Get(TagHide)); err == nil && h {
			fieldHidden = true
		}

		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.Struct:
			if err := walk(fv, path, fieldHidden, visit); err != nil {
				return err
			}
		case reflect.Ptr:
			if fv.Type().Elem().Kind() != reflect.Struct {
				log.Debugf("Not registering flag for pointer field '%s'", path)
				continue
			}
			if fv.IsNil() {
				fv.Set(reflect.New(fv.Type().Elem()))
			}
			if err := walk(fv.Elem(), path, fieldHidden, visit); err != nil {
				return err
			}
		default:
			err := visit(&ConfigField{
				Path:   path,
				Type:   sf.Type,
				Tag:    sf.Tag,
				Addr:   fv.Addr().Interface(),
				Hidden: fieldHidden,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// RegisterFlags defines a command line flag for each leaf field of cfg
// and binds it to v under the same key. Supported field types are
// string, int, int64, bool, time.Duration and []string; fields of other
// types are left to the config file.
func RegisterFlags(v *viper.Viper, flags *pflag.FlagSet, cfg interface{}) error {
	return WalkConfig(cfg, func(f *ConfigField) error {
		registered, err := registerFlag(flags, f)
		if err != nil || !registered {
			return err
		}
		if f.Hidden {
			flags.MarkHidden(f.Path)
		}
		return v.BindPFlag(f.Path, flags.Lookup(f.Path))
	})
}

func registerFlag(flags *pflag.FlagSet, f *ConfigField) (bool, error) {
	help := f.Tag.Get(TagHelp)
	opt := f.Tag.Get(TagOpt)
	def := f.Tag.Get(TagDefault)

	if !supportedFlagType(f.Type) {
		log.Debugf("Not registering flag for '%s' of unsupported type %s", f.Path, f.Type)
		return false, nil
	}
	if help == "" && !f.Hidden {
		return false, errors.Errorf("Field is missing a help tag: %s", f.Path)
	}

	invalid := func(err error) error {
		return errors.Errorf("Invalid %s value '%s' in 'def' tag of %s field: %s", f.Type, def, f.Path, err)
	}

	if f.Type == durationType {
		var d time.Duration
		if def != "" {
			var err error
			if d, err = time.ParseDuration(def); err != nil {
				return false, invalid(err)
			}
		}
		flags.DurationVarP(f.Addr.(*time.Duration), f.Path, opt, d, help)
		return true, nil
	}

	switch f.Type.Kind() {
	case reflect.String:
		flags.StringVarP(f.Addr.(*string), f.Path, opt, def, help)
	case reflect.Int:
		n, err := parseDefault(def, strconv.Atoi)
		if err != nil {
			return false, invalid(err)
		}
		flags.IntVarP(f.Addr.(*int), f.Path, opt, n, help)
	case reflect.Int64:
		n, err := parseDefault(def, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
		if err != nil {
			return false, invalid(err)
		}
		flags.Int64VarP(f.Addr.(*int64), f.Path, opt, n, help)
	case reflect.Bool:
		b, err := parseDefault(def, strconv.ParseBool)
		if err != nil {
			return false, invalid(err)
		}
		flags.BoolVarP(f.Addr.(*bool), f.Path, opt, b, help)
	case reflect.Slice:
		var vals []string
		if def != "" {
			vals = strings.Split(def, ",")
		}
		flags.StringSliceVarP(f.Addr.(*[]string), f.Path, opt, vals, help)
	}
	return true, nil
}

func supportedFlagType(t reflect.Type) bool {
	if t == durationType {
		return true
	}
	if t.PkgPath() != "" {
		return false
	}
	switch t.Kind() {
	case reflect.String, reflect.Int, reflect.Int64, reflect.Bool:
		return true
	case reflect.Slice:
		return t.Elem().Kind() == reflect.String
	}
	return false
}

func parseDefault[T any](def string, parse func(string) (T, error)) (T, error) {
	var zero T
	if def == "" {
		return zero, nil
	}
	return parse(def)
}
