package backend

import (
	"errors"
	"testing"
)

type stubDevice struct{ name string }

func (d *stubDevice) Info() AdapterInfo { return AdapterInfo{Name: d.name} }
func (d *stubDevice) Destroy()          {}

func TestRegistryRegisterAndOpen(t *testing.T) {
	Register("test-open", func() (Device, error) { return &stubDevice{name: "stub"}, nil })
	defer Unregister("test-open")

	if !IsRegistered("test-open") {
		t.Fatal("test-open should be registered")
	}
	d, err := Open("test-open")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if d.Info().Name != "stub" {
		t.Errorf("Info().Name = %q, want %q", d.Info().Name, "stub")
	}
}

func TestRegistryOpenUnregistered(t *testing.T) {
	_, err := Open("nonexistent")
	if !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Open(nonexistent) error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestRegistryAvailable(t *testing.T) {
	Register("test-b", func() (Device, error) { return &stubDevice{}, nil })
	Register("test-a", func() (Device, error) { return &stubDevice{}, nil })
	defer Unregister("test-a")
	defer Unregister("test-b")

	var got []string
	for _, name := range Available() {
		if name == "test-a" || name == "test-b" {
			got = append(got, name)
		}
	}
	if len(got) != 2 || got[0] != "test-a" || got[1] != "test-b" {
		t.Errorf("Available() = %v, want sorted test-a, test-b", got)
	}
}

func TestRegistryOpenDefault(t *testing.T) {
	failing := errors.New("no adapter")
	Register(NameHALVulkan, func() (Device, error) { return nil, failing })
	Register(NameExplicit, func() (Device, error) { return &stubDevice{name: NameExplicit}, nil })
	defer Unregister(NameHALVulkan)
	defer Unregister(NameExplicit)

	d, name, err := OpenDefault()
	if err != nil {
		t.Fatalf("OpenDefault() error = %v", err)
	}
	if name != NameExplicit || d.Info().Name != NameExplicit {
		t.Errorf("OpenDefault() = %q, want fallback to %q", name, NameExplicit)
	}
}

func TestRegistryUnregister(t *testing.T) {
	Register("test-backend", func() (Device, error) { return &stubDevice{}, nil })
	if !IsRegistered("test-backend") {
		t.Error("test-backend should be registered")
	}

	Unregister("test-backend")

	if IsRegistered("test-backend") {
		t.Error("test-backend should be unregistered")
	}
}

func TestModelString(t *testing.T) {
	if ModelExplicit.String() != "explicit" || ModelDeferred.String() != "deferred" {
		t.Errorf("Model.String() = %q, %q", ModelExplicit, ModelDeferred)
	}
}
