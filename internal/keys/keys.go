// Package keys maps record ids onto the key spaces of shared backends.
package keys

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const recordPrefix = "kv:"

// Prefix is the key prefix owned by namespace ns.
func Prefix(ns string) string { return recordPrefix + ns + ":" }

// Record returns the storage key of id within ns.
func Record(ns, id string) string { return Prefix(ns) + id }

// ID strips the ns prefix from a storage key. ok is false for foreign keys.
func ID(ns, key string) (id string, ok bool) {
	id, ok = strings.CutPrefix(key, Prefix(ns))
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

const fileExt = ".rec"

// FileName encodes id into a name safe on any filesystem. It is reversible
// with FromFileName.
func FileName(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id)) + fileExt
}

func FromFileName(name string) (string, error) {
	enc, ok := strings.CutSuffix(name, fileExt)
	if !ok {
		return "", fmt.Errorf("keys: %q is not a record file", name)
	}
	b, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("keys: %q: %w", name, err)
	}
	return string(b), nil
}
