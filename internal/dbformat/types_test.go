package dbformat

import (
	"errors"
	"strings"
	"testing"

	"github.com/aalhour/strata/internal/encoding"
)

func TestNamespaceNames(t *testing.T) {
	for _, ns := range Namespaces() {
		if !ns.Valid() {
			t.Errorf("%d should be valid", ns)
		}
		got, err := ParseNamespace(strings.ToUpper(ns.String()))
		if err != nil || got != ns {
			t.Errorf("ParseNamespace(%q) = (%v, %v)", ns.String(), got, err)
		}
	}
	if Namespace(0).Valid() || Namespace(99).Valid() {
		t.Error("unknown namespaces reported valid")
	}
	if _, err := ParseNamespace("blobs"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("ParseNamespace(blobs) err = %v", err)
	}
}

func TestAddressValidate(t *testing.T) {
	tests := []struct {
		name    string
		addr    Address
		wantErr bool
	}{
		{"user kv", Addr("r1", NamespaceKV, "k"), false},
		{"empty key", Addr("r1", NamespaceKV, ""), false},
		{"registry", Addr(SystemRun, NamespaceRunIndex, "r1"), false},
		{"bad namespace", Addr("r1", Namespace(42), "k"), true},
		{"user run index", Addr("r1", NamespaceRunIndex, "k"), true},
		{"system kv", Addr(SystemRun, NamespaceKV, "k"), true},
		{"huge key", Addr("r1", NamespaceKV, strings.Repeat("x", MaxKeySize+1)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.addr.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidAddress) {
				t.Fatalf("error %v does not wrap ErrInvalidAddress", err)
			}
		})
	}
}

func TestAddressCompare(t *testing.T) {
	a := Addr("r1", NamespaceKV, "a")
	ordered := []Address{
		a,
		Addr("r1", NamespaceKV, "b"),
		Addr("r1", NamespaceEventLog, "a"),
		Addr("r2", NamespaceKV, "a"),
	}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Compare(ordered[i]) >= 0 {
			t.Errorf("%s should sort before %s", ordered[i-1], ordered[i])
		}
		if ordered[i].Compare(ordered[i-1]) <= 0 {
			t.Errorf("%s should sort after %s", ordered[i], ordered[i-1])
		}
	}
	if a.Compare(a) != 0 {
		t.Error("address should equal itself")
	}
}

func TestAddressCodec(t *testing.T) {
	in := Addr("run-α", NamespaceVector, "emb/1")
	buf := AppendAddress(nil, in)
	d := encoding.NewDecoder(buf)
	out := DecodeAddress(d)
	if d.Err() != nil {
		t.Fatal(d.Err())
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
	if in.String() != "run-α/vector/emb/1" {
		t.Errorf("String() = %q", in.String())
	}
}

func TestOpType(t *testing.T) {
	for _, op := range []OpType{OpPut, OpDelete, OpCAS, OpDeleteRun} {
		if !op.Valid() {
			t.Errorf("%s should be valid", op)
		}
	}
	if OpType(0).Valid() || OpType(5).Valid() {
		t.Error("unknown op reported valid")
	}
}
