package message

import (
	"reflect"

	"github.com/spaolacci/murmur3"
)

// Key is the stable 32-bit identity of a message type. It travels on the
// wire ahead of every payload so sender and receiver need not share a
// type-registration order.
type Key uint32

// KeyOf derives the key for a value's type.
func KeyOf(v any) Key { return KeyOfType(reflect.TypeOf(v)) }

// KeyOfType hashes the fully-qualified type name with murmur3. The name is
// stable across independently built binaries as long as the type keeps its
// package path and name.
func KeyOfType(t reflect.Type) Key {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if pp := t.PkgPath(); pp != "" {
		name = pp + "." + name
	}
	return Key(murmur3.Sum32([]byte(name)))
}
