// Package topic defines the hierarchical topic identifiers routed by the event bus.
package topic

import (
	"reflect"
	"strings"
)

// Topic is a slash-delimited path such as "/sys/common" or "/orders/created".
// Hierarchy is expressed by string prefixing.
type Topic string

const (
	// Separator delimits topic segments for segment-aware matching.
	Separator = "/"

	// Default is the reserved system topic addressed by the default-topic forms.
	Default Topic = "/sys/common"

	// ClassRoot is the parent of every topic derived from a Go type.
	ClassRoot Topic = "/sys/class"
)

// String returns the topic as a string.
func (t Topic) String() string {
	return string(t)
}

// IsValid reports whether the topic is non-empty and made only of [A-Za-z0-9._/-].
func (t Topic) IsValid() bool {
	return Valid(string(t))
}

// Valid reports whether s is a well-formed topic.
func Valid(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !allowed(s[i]) {
			return false
		}
	}
	return true
}

func allowed(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '/', c == '-':
		return true
	}
	return false
}

// Resolve maps the empty alias onto Default and leaves every other value untouched.
func Resolve(s string) Topic {
	if s == "" {
		return Default
	}
	return Topic(s)
}

// HasPrefix reports whether key starts with prefix as a literal string.
// "/a/bc" has prefix "/a/b".
func HasPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}

// IsWithin reports whether key equals prefix or lies below it on a segment boundary.
// "/a/b/c" is within "/a/b" while "/a/bc" is not.
func IsWithin(key, prefix string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	if len(key) == len(prefix) || strings.HasSuffix(prefix, Separator) {
		return true
	}
	return key[len(prefix)] == Separator[0]
}

// Matcher decides whether a registered key falls under a publish or removal prefix.
type Matcher func(key, prefix string) bool

// Namer derives a topic name from a Go type.
type Namer func(reflect.Type) Topic

// ClassName is the default Namer: ClassRoot followed by the type's package path and name.
// Pointer types name their element type. Characters outside the topic alphabet become '_'.
func ClassName(typ reflect.Type) Topic {
	if typ == nil {
		return ClassRoot + "/nil"
	}
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	name := typ.Name()
	if name == "" {
		name = typ.String()
	}
	if pkg := typ.PkgPath(); pkg != "" {
		name = pkg + "." + name
	}
	return ClassRoot + Separator + Topic(sanitize(name))
}

// Of returns the topic the namer assigns to T.
func Of[T any](namer Namer) Topic {
	if namer == nil {
		namer = ClassName
	}
	return namer(reflect.TypeFor[T]())
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if allowed(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}
