package message

import (
	"reflect"
	"testing"
)

type sampleA struct{ X int }
type sampleB struct{ X int }

func TestKeyStable(t *testing.T) {
	k1 := KeyOf(sampleA{})
	k2 := KeyOf(sampleA{X: 42})
	if k1 != k2 {
		t.Fatalf("key must not depend on value: %d != %d", k1, k2)
	}
}

func TestKeyPointerEquivalence(t *testing.T) {
	v := sampleA{}
	if KeyOf(v) != KeyOf(&v) {
		t.Fatalf("pointer and value of the same type must share a key")
	}
	pp := &v
	if KeyOf(v) != KeyOf(&pp) {
		t.Fatalf("nested pointers must share the base type's key")
	}
}

func TestKeyDistinguishesTypes(t *testing.T) {
	if KeyOf(sampleA{}) == KeyOf(sampleB{}) {
		t.Fatalf("structurally identical types must still get distinct keys")
	}
}

func TestKeyOfTypeMatchesKeyOf(t *testing.T) {
	if KeyOf(sampleA{}) != KeyOfType(reflect.TypeOf(sampleA{})) {
		t.Fatalf("KeyOf and KeyOfType disagree")
	}
}
