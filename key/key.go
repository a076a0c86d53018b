// Package key defines artifact keys and their mapping onto remote namespaces.
//
// A key names one cached simulation result. Its string form is
//
//	{location}/{namespace}/{code}.{ext}
//
// and user-generated artifacts live under an extra custom segment:
//
//	{location}/custom/{namespace}/{code}.{ext}
//
// The same key resolves to the same bytes in every tier, so keys never
// carry tier or backend information.
package key

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// CustomSegment marks the user-generated sub-namespace.
const CustomSegment = "custom"

// ErrInvalid is returned when a key or one of its segments is malformed.
var ErrInvalid = errors.New("invalid artifact key")

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Key identifies one artifact. Keys are comparable and may be used as map keys.
type Key struct {
	Location  string
	Namespace string
	Code      string
	Ext       string
	Custom    bool
}

// New builds a curated key from its parts.
func New(location, namespace, code, ext string) (Key, error) {
	k := Key{
		Location:  strings.TrimSpace(location),
		Namespace: strings.TrimSpace(namespace),
		Code:      strings.TrimSpace(code),
		Ext:       strings.TrimPrefix(strings.TrimSpace(ext), "."),
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// NewCustom builds a key in the user-generated sub-namespace.
func NewCustom(location, namespace, code, ext string) (Key, error) {
	k, err := New(location, namespace, code, ext)
	if err != nil {
		return Key{}, err
	}
	k.Custom = true
	return k, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Parse parses the string form of a key.
func Parse(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Key{}, fmt.Errorf("%w: empty", ErrInvalid)
	}
	if strings.Contains(s, `\`) {
		return Key{}, fmt.Errorf("%w: %q contains a backslash", ErrInvalid, s)
	}
	parts := strings.Split(s, "/")

	var k Key
	switch len(parts) {
	case 3:
		k.Location, k.Namespace = parts[0], parts[1]
	case 4:
		if parts[1] != CustomSegment {
			return Key{}, fmt.Errorf("%w: %q has an unknown sub-namespace %q", ErrInvalid, s, parts[1])
		}
		k.Location, k.Namespace, k.Custom = parts[0], parts[2], true
	default:
		return Key{}, fmt.Errorf("%w: %q must have 3 or 4 segments", ErrInvalid, s)
	}

	file := parts[len(parts)-1]
	dot := strings.LastIndex(file, ".")
	if dot <= 0 || dot == len(file)-1 {
		return Key{}, fmt.Errorf("%w: %q has no extension", ErrInvalid, s)
	}
	k.Code, k.Ext = file[:dot], file[dot+1:]

	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate reports whether every segment of k is well formed.
func (k Key) Validate() error {
	for _, seg := range []struct{ name, value string }{
		{"location", k.Location},
		{"namespace", k.Namespace},
		{"code", k.Code},
		{"extension", k.Ext},
	} {
		if seg.value == "" {
			return fmt.Errorf("%w: empty %s", ErrInvalid, seg.name)
		}
		if seg.value == ".." || strings.Contains(seg.value, "..") {
			return fmt.Errorf("%w: %s %q contains '..'", ErrInvalid, seg.name, seg.value)
		}
		if !segmentPattern.MatchString(seg.value) {
			return fmt.Errorf("%w: %s %q has invalid characters", ErrInvalid, seg.name, seg.value)
		}
	}
	if k.Location == CustomSegment || k.Namespace == CustomSegment {
		return fmt.Errorf("%w: %q is reserved", ErrInvalid, CustomSegment)
	}
	return nil
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Filename returns the final path element, {code}.{ext}.
func (k Key) Filename() string {
	return k.Code + "." + k.Ext
}

// String returns the normalized key.
func (k Key) String() string {
	if k.Custom {
		return path.Join(k.Location, CustomSegment, k.Namespace, k.Filename())
	}
	return path.Join(k.Location, k.Namespace, k.Filename())
}

// ObjectPath maps k to an object-store path under prefix.
//
// Curated artifacts are laid out by namespace first so a model version can be
// listed or replaced as a unit:
//
//	{prefix}/{namespace}/{location}/{code}.{ext}
//	{prefix}/custom/{namespace}/{location}/{code}.{ext}
//
// An empty prefix is omitted. Leading and trailing slashes in prefix are ignored.
func ObjectPath(prefix string, k Key) string {
	parts := make([]string, 0, 5)
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	if k.Custom {
		parts = append(parts, CustomSegment)
	}
	parts = append(parts, k.Namespace, k.Location, k.Filename())
	return strings.Join(parts, "/")
}

// FromManifest builds the key for a sharing-links manifest entry. Manifest
// entries describe precomputed results, stored as .Rdata files.
func FromManifest(location, scenario, version string) (Key, error) {
	return New(location, version, scenario, DefaultExt)
}

// DefaultExt is the extension used for simulation result sets.
const DefaultExt = "Rdata"
