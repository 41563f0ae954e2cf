package feeders

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

// EnvFeeder reads environment variables named by `env` struct tags. Nested
// structs extend the variable name with their own tag:
//
//	type Config struct {
//	    Database struct {
//	        DSN string `env:"DSN"`
//	    } `env:"DATABASE"`
//	}
//
// With prefix "MODHOST" the DSN field is read from MODHOST_DATABASE_DSN.
// Empty variables are ignored.
type EnvFeeder struct {
	Prefix string

	lookup func(string) (string, bool)
}

// NewEnvFeeder creates an EnvFeeder for the given prefix.
func NewEnvFeeder(prefix string) EnvFeeder {
	return EnvFeeder{Prefix: strings.ToUpper(prefix), lookup: os.LookupEnv}
}

// Feed reads environment variables and populates the provided structure
func (f EnvFeeder) Feed(structure any) error {
	if !isStructPointer(structure) {
		return ErrInvalidStructure
	}
	lookup := f.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return f.fillStruct(reflect.ValueOf(structure).Elem(), strings.ToUpper(f.Prefix), lookup)
}

func (f EnvFeeder) fillStruct(rv reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	rt := rv.Type()
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rt.Field(i)
		if !fieldType.IsExported() {
			continue
		}
		tag, hasTag := fieldType.Tag.Lookup("env")
		if tag == "-" {
			continue
		}

		if field.Kind() == reflect.Struct {
			next := prefix
			if hasTag && tag != "" {
				next = joinEnv(prefix, tag)
			}
			if err := f.fillStruct(field, next, lookup); err != nil {
				return err
			}
			continue
		}
		if !hasTag {
			continue
		}

		name := joinEnv(prefix, tag)
		value, ok := lookup(name)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("error in field '%s' (%s): %w", fieldType.Name, name, err)
		}
	}
	return nil
}

func joinEnv(prefix, name string) string {
	name = strings.ToUpper(name)
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// setFieldValue converts and sets a field value. String slices are read as
// comma separated lists.
func setFieldValue(field reflect.Value, strValue string) error {
	if !field.CanSet() {
		return ErrFieldCannotBeSet
	}
	if field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String {
		parts := strings.Split(strValue, ",")
		out := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = reflect.Append(out, reflect.ValueOf(p).Convert(field.Type().Elem()))
			}
		}
		field.Set(out)
		return nil
	}

	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(strValue)
		if err != nil {
			return fmt.Errorf("cannot convert value to duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	convertedValue, err := cast.FromType(strValue, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert value to type %v: %w", field.Type(), err)
	}
	field.Set(reflect.ValueOf(convertedValue).Convert(field.Type()))
	return nil
}

func isStructPointer(structure any) bool {
	t := reflect.TypeOf(structure)
	return t != nil && t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct && !reflect.ValueOf(structure).IsNil()
}
