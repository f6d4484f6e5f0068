// Package codec converts between Go record values and the bson.M document
// trees used by internal/gateway, and implements the merge-on-read default
// policy shared by configstore and messages: a field missing from the
// persisted document takes its declared default, and any field present in
// the document but absent from the declared defaults round-trips untouched.
package codec

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/riftforge/mongoconfigs/internal/errs"
	"github.com/riftforge/mongoconfigs/internal/schema"
)

// Encode serializes v (a pointer to a struct, or a bson.M) into a bson.M
// document tree, the write-behavior described for Set: the full in-memory
// record is serialized, overwriting whatever was previously stored.
func Encode(v interface{}) (bson.M, error) {
	if m, ok := v.(bson.M); ok {
		return m, nil
	}
	data, err := bson.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.TypeMismatch, err)
	}
	var m bson.M
	if err := bson.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(errs.TypeMismatch, err)
	}
	return m, nil
}

// Decode deserializes doc into target (a pointer to a struct). Fields of
// target that doc does not carry keep their current values, so decoding into
// a default-populated target merges defaults on read. Extra fields
// present in doc but not present on target are dropped by this step; callers
// that need to preserve unknown fields across a read/write cycle should keep
// the original bson.M alongside target and merge on write, which is what
// configstore.Store does for SetField.
func Decode(doc bson.M, target interface{}) error {
	data, err := bson.Marshal(doc)
	if err != nil {
		return errs.Wrap(errs.TypeMismatch, err)
	}
	if err := bson.Unmarshal(data, target); err != nil {
		return errs.Wrap(errs.TypeMismatch, err)
	}
	return nil
}

// MergeDefaults returns a new bson.M equal to doc with every declared
// default path inserted where doc is missing that key (I2: default values
// are written only when the target key is missing). Keys present in doc
// that aren't declared in defaults are preserved unchanged (I1's "a key
// present in persisted data but absent from defaults is also retained").
// Returns the merged document and whether any insertion occurred.
func MergeDefaults(doc bson.M, defaults []schema.PathDefault) (bson.M, bool) {
	merged := cloneDoc(doc)
	changed := false
	for _, d := range defaults {
		if !hasPath(merged, d.Path) {
			setPath(merged, d.Path, d.Default)
			changed = true
		}
	}
	return merged, changed
}

func cloneDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// GetPath resolves a strict dotted path against doc, returning
// errs.TypeMismatch if an intermediate segment is not a document.
func GetPath(doc bson.M, path string) (interface{}, bool, error) {
	segments := strings.Split(path, ".")
	var cur interface{} = doc
	for i, seg := range segments {
		m, ok := asMap(cur)
		if !ok {
			return nil, false, errs.New(errs.TypeMismatch,
				errNotADocument(strings.Join(segments[:i], ".")))
		}
		v, present := m[seg]
		if !present {
			return nil, false, nil
		}
		cur = v
	}
	return cur, true, nil
}

// SetPath sets value at a strict dotted path in doc, creating intermediate
// bson.M nodes as needed. It returns errs.TypeMismatch if an intermediate
// segment already holds a non-document value.
func SetPath(doc bson.M, path string, value interface{}) error {
	segments := strings.Split(path, ".")
	cur := doc
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return nil
		}
		next, present := cur[seg]
		if !present {
			nm := bson.M{}
			cur[seg] = nm
			cur = nm
			continue
		}
		nm, ok := next.(bson.M)
		if !ok {
			if m2, ok2 := asMap(next); ok2 {
				nm = m2
				cur[seg] = nm
			} else {
				return errs.New(errs.TypeMismatch, errNotADocument(strings.Join(segments[:i+1], ".")))
			}
		}
		cur = nm
	}
	return nil
}

func setPath(doc bson.M, path string, value interface{}) {
	// Internal variant used for default-merging: defaults are trusted to
	// describe a consistent tree, so traversal errors are impossible here.
	_ = SetPath(doc, path, value)
}

func hasPath(doc bson.M, path string) bool {
	_, ok, err := GetPath(doc, path)
	return err == nil && ok
}

func asMap(v interface{}) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return bson.M(m), true
	case bson.D:
		out := bson.M{}
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	default:
		return nil, false
	}
}

func errNotADocument(path string) error {
	return &pathTypeError{path: path}
}

type pathTypeError struct{ path string }

func (e *pathTypeError) Error() string {
	return "path segment \"" + e.path + "\" is not a document"
}

// AsStringSlice coerces a stored value into a []string, wrapping a bare
// string in a singleton slice per the Messages Store getList fallback rule.
func AsStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case string:
		return []string{t}
	case bson.A:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, toString(e))
		}
		return out
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, toString(e))
		}
		return out
	default:
		return []string{toString(v)}
	}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
