// Package schema introspects bundle descriptors: configuration record types
// and message bundle types. It produces the metadata, default trees and
// dotted message-key maps consumed by configstore and messages, without
// executing caller code beyond reading a default instance's fields and
// zero-argument accessor methods.
package schema

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/riftforge/mongoconfigs/internal/errs"
)

// Descriptor carries the metadata every bundle declares: a stable document
// id, an optional database/collection override and, for message bundles,
// the declared supported-language set.
type Descriptor struct {
	DocumentID         string
	DatabaseName       string
	CollectionName     string
	SupportedLanguages []string
}

// Described is implemented by any bundle type (config or message) that
// declares its own metadata explicitly instead of relying on struct tags.
type Described interface {
	Descriptor() Descriptor
}

// Validate checks the required parts of a Descriptor, returning
// errs.SchemaInvalid when the document id is missing.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.DocumentID) == "" {
		return errs.New(errs.SchemaInvalid, fmt.Errorf("bundle descriptor missing documentId"))
	}
	return nil
}

// PathDefault is one entry of a config bundle's flattened default tree: a
// verbatim dotted field path and the default value read from the instance
// passed to IntrospectConfig.
type PathDefault struct {
	Path    string
	Default interface{}
}

// ConfigSchema is the introspection result for a configuration bundle.
type ConfigSchema struct {
	Descriptor Descriptor
	Defaults   []PathDefault
}

// MessageSchema is the introspection result for a message bundle: the
// declared metadata plus a flat dotted-key -> default value map.
type MessageSchema struct {
	Descriptor Descriptor
	Defaults   map[string]interface{}
}

// visitState tracks struct types currently on the recursion stack so cyclic
// record graphs are rejected instead of overflowing the stack.
type visitState struct {
	stack map[reflect.Type]bool
}

func newVisitState() *visitState { return &visitState{stack: map[reflect.Type]bool{}} }

func (v *visitState) enter(t reflect.Type) error {
	if v.stack[t] {
		return errs.New(errs.SchemaInvalid, fmt.Errorf("cyclic record graph detected at type %s", t))
	}
	v.stack[t] = true
	return nil
}

func (v *visitState) leave(t reflect.Type) { delete(v.stack, t) }

// descriptorOf extracts a Descriptor from bundle's Descriptor() method. A
// bundle that does not implement Described is rejected with
// errs.SchemaInvalid; there is no struct-tag fallback.
func descriptorOf(bundle interface{}) (Descriptor, error) {
	if d, ok := bundle.(Described); ok {
		desc := d.Descriptor()
		if err := desc.Validate(); err != nil {
			return Descriptor{}, err
		}
		return desc, nil
	}
	return Descriptor{}, errs.New(errs.SchemaInvalid,
		fmt.Errorf("bundle %T does not implement schema.Described", bundle))
}

// IntrospectConfig walks defaultInstance (a pointer to a zero-initialized
// bundle populated with its default values) and produces a ConfigSchema.
// Field paths use the field's declared name verbatim; nested structs are
// joined with ".". A `cfg:"-"` tag excludes a field; `cfg:"name"` overrides
// the verbatim path segment.
func IntrospectConfig(defaultInstance interface{}) (ConfigSchema, error) {
	desc, err := descriptorOf(defaultInstance)
	if err != nil {
		return ConfigSchema{}, err
	}

	v := reflect.ValueOf(defaultInstance)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ConfigSchema{}, errs.New(errs.SchemaInvalid,
			fmt.Errorf("config bundle must be a non-nil pointer, got %T", defaultInstance))
	}

	var defaults []PathDefault
	state := newVisitState()
	if err := walkConfigFields(v.Elem(), "", state, &defaults); err != nil {
		return ConfigSchema{}, err
	}

	return ConfigSchema{Descriptor: desc, Defaults: defaults}, nil
}

func walkConfigFields(structVal reflect.Value, prefix string, state *visitState, out *[]PathDefault) error {
	t := structVal.Type()
	if err := state.enter(t); err != nil {
		return err
	}
	defer state.leave(t)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}
		tag := field.Tag.Get("cfg")
		if tag == "-" {
			continue
		}
		name := field.Name
		if tag != "" {
			name = tag
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}

		fv := structVal.Field(i)
		resolved := fv
		kind := fv.Kind()
		if kind == reflect.Ptr {
			if fv.IsNil() {
				*out = append(*out, PathDefault{Path: path, Default: nil})
				continue
			}
			resolved = fv.Elem()
			kind = resolved.Kind()
		}

		if kind == reflect.Struct && !isLeafStruct(resolved.Type()) {
			if err := walkConfigFields(resolved, path, state, out); err != nil {
				return err
			}
			continue
		}

		*out = append(*out, PathDefault{Path: path, Default: resolved.Interface()})
	}
	return nil
}

// isLeafStruct reports whether a struct type should be treated as an opaque
// default value (e.g. time.Time) instead of being recursed into field by
// field.
func isLeafStruct(t reflect.Type) bool {
	return t.PkgPath() == "time" && t.Name() == "Time"
}

// IntrospectMessages walks defaultInstance and produces a MessageSchema: a
// flat dotted-key -> default map built from exported data fields (verbatim
// path) and zero-argument exported accessor methods returning string or
// []string (camel-split, lower-cased, dot-joined key).
func IntrospectMessages(defaultInstance interface{}) (MessageSchema, error) {
	desc, err := descriptorOf(defaultInstance)
	if err != nil {
		return MessageSchema{}, err
	}
	if len(desc.SupportedLanguages) == 0 {
		return MessageSchema{}, errs.New(errs.SchemaInvalid,
			fmt.Errorf("message bundle %T declares no supported languages", defaultInstance))
	}

	v := reflect.ValueOf(defaultInstance)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return MessageSchema{}, errs.New(errs.SchemaInvalid,
			fmt.Errorf("message bundle must be a non-nil pointer, got %T", defaultInstance))
	}

	defaults := map[string]interface{}{}
	state := newVisitState()
	if err := walkMessageFields(v.Elem(), "", state, defaults); err != nil {
		return MessageSchema{}, err
	}
	collectMessageAccessors(v, defaults)

	return MessageSchema{Descriptor: desc, Defaults: defaults}, nil
}

func walkMessageFields(structVal reflect.Value, prefix string, state *visitState, out map[string]interface{}) error {
	t := structVal.Type()
	if err := state.enter(t); err != nil {
		return err
	}
	defer state.leave(t)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		tag := field.Tag.Get("msg")
		if tag == "-" {
			continue
		}

		fv := structVal.Field(i)
		switch fv.Kind() {
		case reflect.Struct:
			if isLeafStruct(fv.Type()) {
				continue
			}
			path := field.Name
			if tag != "" {
				path = tag
			}
			if prefix != "" && tag == "" {
				path = prefix + "." + field.Name
			}
			if err := walkMessageFields(fv, path, state, out); err != nil {
				return err
			}
		case reflect.String:
			key := messageKeyForField(field, prefix, tag)
			out[key] = fv.String()
		case reflect.Slice:
			if fv.Type().Elem().Kind() != reflect.String {
				continue
			}
			key := messageKeyForField(field, prefix, tag)
			vals := make([]string, fv.Len())
			for j := 0; j < fv.Len(); j++ {
				vals[j] = fv.Index(j).String()
			}
			out[key] = vals
		}
	}
	return nil
}

func messageKeyForField(field reflect.StructField, prefix, tag string) string {
	if tag != "" {
		return tag
	}
	if prefix != "" {
		return prefix + "." + field.Name
	}
	return field.Name
}

// collectMessageAccessors scans bundle's exported zero-argument methods
// returning string or []string and adds them to out using the camel-split
// dotted-key rule, skipping Descriptor. Methods promoted from embedded
// fields are included the same way as methods declared on the bundle type.
func collectMessageAccessors(v reflect.Value, out map[string]interface{}) {
	t := v.Type()
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if m.Name == "Descriptor" {
			continue
		}
		mt := m.Func.Type()
		// receiver + zero params
		if mt.NumIn() != 1 || mt.NumOut() != 1 {
			continue
		}
		out0 := mt.Out(0)
		var isList bool
		switch {
		case out0.Kind() == reflect.String:
		case out0.Kind() == reflect.Slice && out0.Elem().Kind() == reflect.String:
			isList = true
		default:
			continue
		}

		key := camelSplitKey(m.Name)
		results := v.Method(i).Call(nil)
		if isList {
			raw := results[0]
			vals := make([]string, raw.Len())
			for j := 0; j < raw.Len(); j++ {
				vals[j] = raw.Index(j).String()
			}
			out[key] = vals
		} else {
			out[key] = results[0].String()
		}
	}
}

// camelSplitKey converts an accessor name such as GetSuccessTeleportedTo
// into the dotted message key success.teleported.to: a leading Get/get is
// stripped, then the remainder is split at uppercase boundaries, lowercased
// and dot-joined.
func camelSplitKey(name string) string {
	name = strings.TrimPrefix(name, "Get")
	name = strings.TrimPrefix(name, "get")
	if name == "" {
		return ""
	}

	var parts []string
	var cur strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if i > 0 && isUpper(r) && !isUpper(runes[i-1]) {
			parts = append(parts, cur.String())
			cur.Reset()
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}

	for i, p := range parts {
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, ".")
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
