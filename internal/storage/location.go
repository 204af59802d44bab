package storage

import (
	"fmt"
	"path"
	"strings"
)

// Location is a parsed resource URI. Bucket is empty for the file scheme.
type Location struct {
	Raw    string
	Scheme string
	Bucket string
	Key    string
}

// ParseLocation splits uri into scheme, bucket and key. Text without a scheme
// is a local path.
func ParseLocation(uri string) (Location, error) {
	raw := strings.TrimSpace(uri)
	if raw == "" {
		return Location{}, fmt.Errorf("%w: empty uri", ErrInvalidURI)
	}
	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		return Location{Raw: raw, Scheme: "file", Key: raw}, nil
	}
	scheme = strings.ToLower(scheme)
	if !validScheme(scheme) {
		return Location{}, fmt.Errorf("%w: malformed scheme in %q", ErrInvalidURI, raw)
	}
	loc := Location{Raw: raw, Scheme: scheme}
	if scheme == "file" {
		rest = strings.TrimPrefix(rest, "localhost")
		if rest == "" {
			return Location{}, fmt.Errorf("%w: empty path in %q", ErrInvalidURI, raw)
		}
		loc.Key = rest
		return loc, nil
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("%w: missing bucket in %q", ErrInvalidURI, raw)
	}
	loc.Bucket = bucket
	loc.Key = key
	return loc, nil
}

// IsPrefix reports whether the URI names a directory or key prefix explicitly.
func (l Location) IsPrefix() bool {
	return l.Key == "" || strings.HasSuffix(l.Key, "/")
}

// Child returns the location of key inside the same bucket.
func (l Location) Child(key string) Location {
	child := l
	child.Key = key
	if l.Scheme == "file" {
		child.Raw = "file://" + key
	} else {
		child.Raw = l.Scheme + "://" + l.Bucket + "/" + key
	}
	return child
}

// AsPrefix returns the location with a trailing separator on the key.
func (l Location) AsPrefix() Location {
	if l.IsPrefix() {
		return l
	}
	return l.Child(l.Key + "/")
}

// Base is the last non-empty path element of the key, or the bucket name.
func (l Location) Base() string {
	trimmed := strings.TrimRight(l.Key, "/")
	if trimmed == "" {
		return l.Bucket
	}
	return path.Base(trimmed)
}

// Ext is the lower-cased file extension of Base, including the dot.
func (l Location) Ext() string {
	return strings.ToLower(path.Ext(l.Base()))
}

// Stem is Base without its extension.
func (l Location) Stem() string {
	base := l.Base()
	return strings.TrimSuffix(base, path.Ext(base))
}

func (l Location) String() string {
	return l.Raw
}

func validScheme(scheme string) bool {
	if scheme == "" {
		return false
	}
	for i, r := range scheme {
		switch {
		case r >= 'a' && r <= 'z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}
