package devfs

import (
	"errors"
	"testing"
)

type testAttr struct{ value string }

func (a *testAttr) Show() string { return a.value + "\n" }

func (a *testAttr) Store(value string) error {
	a.value = value
	return nil
}

func TestRegistryConflicts(t *testing.T) {
	r := NewRegistry[Attribute]()

	if err := r.Register("uart2/loopback", &testAttr{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("uart2/loopback", &testAttr{}); !errors.Is(err, ErrExist) {
		t.Fatalf("duplicate register: got %v, want ErrExist", err)
	}
	if err := r.Register("", &testAttr{}); err == nil {
		t.Fatalf("empty name accepted")
	}

	r.Reserve("uart3/loopback")
	if err := r.Register("uart3/loopback", &testAttr{}); !errors.Is(err, ErrExist) {
		t.Fatalf("reserved register: got %v, want ErrExist", err)
	}

	if got := r.Names(); len(got) != 1 || got[0] != "uart2/loopback" {
		t.Fatalf("names = %v", got)
	}
}

func TestRegistryLookupUnregister(t *testing.T) {
	r := NewRegistry[Attribute]()
	attr := &testAttr{value: "off"}

	if err := r.Register("loopback", attr); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := r.Lookup("loopback")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Show() != "off\n" {
		t.Fatalf("show = %q", got.Show())
	}

	r.Unregister("loopback")
	r.Unregister("loopback")
	if _, err := r.Lookup("loopback"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("lookup after unregister: got %v, want ErrNotExist", err)
	}
	if err := r.Register("loopback", attr); err != nil {
		t.Fatalf("re-register: %v", err)
	}
}
