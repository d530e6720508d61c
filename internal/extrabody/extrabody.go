// Package extrabody injects caller-supplied JSON into serialized provider
// request bodies, addressed by RFC-6901-style pointers with one extension:
// missing parent objects are created on write. A missing parent whose child
// segment is numeric is rejected, since the writer cannot decide between
// object and array. Deletions are lenient: missing paths log and no-op.
package extrabody

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Davincible/tensorgate/internal/gwerr"
)

// Patch is one body mutation. Delete patches ignore Value.
type Patch struct {
	Pointer string          `json:"pointer"`
	Value   json.RawMessage `json:"value,omitempty"`
	Delete  bool            `json:"delete,omitempty"`
}

// Apply runs patches in order against a decoded body.
func Apply(body map[string]any, patches []Patch, logger *slog.Logger) error {
	for _, patch := range patches {
		if patch.Delete {
			deletePointer(body, patch.Pointer, logger)
			continue
		}
		var value any
		if err := json.Unmarshal(patch.Value, &value); err != nil {
			return gwerr.Wrap(gwerr.KindExtraBodyReplacement, "extra_body value is not valid JSON", err)
		}
		if err := Write(body, patch.Pointer, value); err != nil {
			return err
		}
	}
	return nil
}

// ApplyToRaw decodes a serialized body, applies the patches, and re-encodes.
func ApplyToRaw(raw []byte, patches []Patch, logger *slog.Logger) ([]byte, error) {
	if len(patches) == 0 {
		return raw, nil
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, gwerr.Wrap(gwerr.KindExtraBodyReplacement, "provider body is not a JSON object", err)
	}
	if err := Apply(body, patches, logger); err != nil {
		return nil, err
	}
	return json.Marshal(body)
}

// Write sets value at pointer, creating missing intermediate objects.
func Write(root map[string]any, pointer string, value any) error {
	segments, err := parsePointer(pointer)
	if err != nil {
		return err
	}

	var current any = root
	for i, segment := range segments {
		last := i == len(segments)-1
		switch node := current.(type) {
		case map[string]any:
			if last {
				node[segment] = value
				return nil
			}
			child, ok := node[segment]
			if !ok {
				// Missing parent: create an object, unless the next segment
				// is numeric and we cannot tell object from array apart.
				if isNumeric(segments[i+1]) {
					return gwerr.Newf(gwerr.KindExtraBodyReplacement,
						"cannot create missing parent %q for numeric segment %q", segment, segments[i+1])
				}
				created := make(map[string]any)
				node[segment] = created
				current = created
				continue
			}
			current = child
		case []any:
			idx, err := arrayIndex(segment, len(node))
			if err != nil {
				return err
			}
			if last {
				node[idx] = value
				return nil
			}
			current = node[idx]
		default:
			return gwerr.Newf(gwerr.KindExtraBodyReplacement,
				"pointer %q traverses a non-container value at %q", pointer, segment)
		}
	}
	return nil
}

// Read returns the value at pointer, if present.
func Read(root map[string]any, pointer string) (any, bool) {
	segments, err := parsePointer(pointer)
	if err != nil {
		return nil, false
	}
	var current any = root
	for _, segment := range segments {
		switch node := current.(type) {
		case map[string]any:
			child, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = child
		case []any:
			idx, err := arrayIndex(segment, len(node))
			if err != nil {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func deletePointer(root map[string]any, pointer string, logger *slog.Logger) {
	segments, err := parsePointer(pointer)
	if err != nil || len(segments) == 0 {
		if logger != nil {
			logger.Warn("skipping extra_body delete with invalid pointer", "pointer", pointer)
		}
		return
	}

	parentSegments, leaf := segments[:len(segments)-1], segments[len(segments)-1]
	var current any = root
	for _, segment := range parentSegments {
		node, ok := current.(map[string]any)
		if !ok {
			current = nil
			break
		}
		current, ok = node[segment]
		if !ok {
			current = nil
			break
		}
	}
	parent, ok := current.(map[string]any)
	if !ok {
		if logger != nil {
			logger.Warn("extra_body delete path missing, skipping", "pointer", pointer)
		}
		return
	}
	if _, exists := parent[leaf]; !exists {
		if logger != nil {
			logger.Warn("extra_body delete path missing, skipping", "pointer", pointer)
		}
		return
	}
	delete(parent, leaf)
}

func parsePointer(pointer string) ([]string, error) {
	if pointer == "" || !strings.HasPrefix(pointer, "/") {
		return nil, gwerr.Newf(gwerr.KindExtraBodyReplacement, "pointer %q must start with '/'", pointer)
	}
	if strings.HasSuffix(pointer, "/") {
		return nil, gwerr.Newf(gwerr.KindExtraBodyReplacement, "pointer %q must not end with '/'", pointer)
	}
	raw := strings.Split(pointer[1:], "/")
	segments := make([]string, len(raw))
	for i, segment := range raw {
		segment = strings.ReplaceAll(segment, "~1", "/")
		segment = strings.ReplaceAll(segment, "~0", "~")
		segments[i] = segment
	}
	return segments, nil
}

func isNumeric(segment string) bool {
	if segment == "" {
		return false
	}
	_, err := strconv.Atoi(segment)
	return err == nil
}

func arrayIndex(segment string, length int) (int, error) {
	idx, err := strconv.Atoi(segment)
	if err != nil || idx < 0 || idx >= length {
		return 0, gwerr.Newf(gwerr.KindExtraBodyReplacement, "invalid array index %q", segment)
	}
	return idx, nil
}
