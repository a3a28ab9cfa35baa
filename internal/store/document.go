package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

var jsonTrue = json.RawMessage("true")

// cleanPath normalizes a slash-separated path and rejects empty segments.
func cleanPath(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return p, nil
}

// splitField splits "a/b/c" into parent "a/b" and field "c".
func splitField(p string) (parent, field string, ok bool) {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", "", false
	}
	return p[:i], p[i+1:], true
}

// under reports whether doc is path itself or lives below it.
func under(doc, path string) bool {
	return doc == path || strings.HasPrefix(doc, path+"/")
}

// encodeValue turns a caller value into a document. nil stays nil (absent).
func encodeValue(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if isNull(val) {
			return nil, nil
		}
		return val, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if isNull(data) {
		return nil, nil
	}
	return data, nil
}

func encodeFields(fields map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if k == "" || strings.Contains(k, "/") {
			return nil, fmt.Errorf("%w: field %q", ErrInvalidPath, k)
		}
		raw, err := encodeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = raw
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if isNull(raw) {
		return obj, nil
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	return obj, nil
}

// encodeObject re-encodes obj; an empty object becomes an absent document.
func encodeObject(obj map[string]json.RawMessage) (json.RawMessage, error) {
	if len(obj) == 0 {
		return nil, nil
	}
	return json.Marshal(obj)
}

// mutation computes the next document from the current one. write reports
// whether anything changed; a nil next with write set deletes the document.
type mutation func(cur json.RawMessage) (next json.RawMessage, write bool, err error)

func mergeMutation(fields map[string]json.RawMessage) mutation {
	return func(cur json.RawMessage) (json.RawMessage, bool, error) {
		obj, err := decodeObject(cur)
		if err != nil {
			return nil, false, err
		}
		for k, v := range fields {
			if v == nil {
				delete(obj, k)
				continue
			}
			obj[k] = v
		}
		next, err := encodeObject(obj)
		return next, true, err
	}
}

func claimMutation(field string, claimed *bool) mutation {
	return func(cur json.RawMessage) (json.RawMessage, bool, error) {
		*claimed = false
		obj, err := decodeObject(cur)
		if err != nil {
			return nil, false, err
		}
		if v, ok := obj[field]; ok && bytes.Equal(bytes.TrimSpace(v), jsonTrue) {
			return nil, false, nil
		}
		obj[field] = jsonTrue
		next, err := encodeObject(obj)
		if err != nil {
			return nil, false, err
		}
		*claimed = true
		return next, true, nil
	}
}

func removeFieldMutation(field string) mutation {
	return func(cur json.RawMessage) (json.RawMessage, bool, error) {
		if isNull(cur) {
			return nil, false, nil
		}
		obj, err := decodeObject(cur)
		if err != nil {
			// a scalar parent has no fields to remove
			return nil, false, nil
		}
		if _, ok := obj[field]; !ok {
			return nil, false, nil
		}
		delete(obj, field)
		next, err := encodeObject(obj)
		return next, true, err
	}
}
