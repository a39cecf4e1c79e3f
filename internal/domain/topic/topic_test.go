package topic

import (
	"reflect"
	"strings"
	"testing"
)

type sample struct{}

type box[T any] struct{ v T }

func TestValid(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		want  bool
	}{
		{"default", "/sys/common", true},
		{"all classes", "/A-z_0.9/x", true},
		{"empty", "", false},
		{"space", "/a b", false},
		{"wildcard", "/a/*", false},
		{"unicode", "/é", false},
		{"colon", "a:b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Valid(tt.topic); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.topic, got, tt.want)
			}
			if got := Topic(tt.topic).IsValid(); got != tt.want {
				t.Errorf("Topic(%q).IsValid() = %v, want %v", tt.topic, got, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve(""); got != Default {
		t.Fatalf("Resolve(\"\") = %q, want %q", got, Default)
	}
	if got := Resolve("/x"); got != "/x" {
		t.Fatalf("Resolve(\"/x\") = %q", got)
	}
}

func TestHasPrefixIsLiteral(t *testing.T) {
	if !HasPrefix("/a/bc", "/a/b") {
		t.Fatal("literal prefix must match /a/bc under /a/b")
	}
	if !HasPrefix("/a/b", "/a/b") {
		t.Fatal("exact key must match")
	}
	if HasPrefix("/x", "/a") {
		t.Fatal("unrelated key must not match")
	}
}

func TestIsWithin(t *testing.T) {
	tests := []struct {
		key, prefix string
		want        bool
	}{
		{"/a/b", "/a/b", true},
		{"/a/b/c", "/a/b", true},
		{"/a/bc", "/a/b", false},
		{"/a/b/c", "/a/", true},
		{"/a", "/a/b", false},
	}
	for _, tt := range tests {
		if got := IsWithin(tt.key, tt.prefix); got != tt.want {
			t.Errorf("IsWithin(%q, %q) = %v, want %v", tt.key, tt.prefix, got, tt.want)
		}
	}
}

func TestClassName(t *testing.T) {
	got := ClassName(reflect.TypeOf(sample{}))
	want := Topic("/sys/class/github.com/coachpo/eventflow/internal/domain/topic.sample")
	if got != want {
		t.Fatalf("ClassName = %q, want %q", got, want)
	}
	if ptr := ClassName(reflect.TypeOf(&sample{})); ptr != want {
		t.Fatalf("pointer types must name their element, got %q", ptr)
	}
	if builtin := ClassName(reflect.TypeOf("")); builtin != "/sys/class/string" {
		t.Fatalf("unexpected builtin name %q", builtin)
	}
}

func TestClassNameSanitisesGenericTypes(t *testing.T) {
	got := Of[box[int]](nil)
	if !got.IsValid() {
		t.Fatalf("derived topic %q must be valid", got)
	}
	if !strings.HasPrefix(string(got), string(ClassRoot)+"/") {
		t.Fatalf("derived topic %q must live under %q", got, ClassRoot)
	}
}

func TestOfUsesInjectedNamer(t *testing.T) {
	namer := func(typ reflect.Type) Topic { return Topic("/custom/" + typ.Name()) }
	if got := Of[sample](namer); got != "/custom/sample" {
		t.Fatalf("Of with custom namer = %q", got)
	}
}
