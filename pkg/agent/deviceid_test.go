package agent

import "testing"

func TestResolveDeviceIDPrefersExplicit(t *testing.T) {
	t.Setenv(EnvDeviceID, "env-screen")
	id, err := ResolveDeviceID(" hospital-screen-5 ")
	if err != nil {
		t.Fatalf("ResolveDeviceID: %v", err)
	}
	if id != "hospital-screen-5" {
		t.Fatalf("id = %q, want explicit value", id)
	}
}

func TestResolveDeviceIDFallsBackToEnv(t *testing.T) {
	t.Setenv(EnvDeviceID, "env-screen")
	id, err := ResolveDeviceID("")
	if err != nil {
		t.Fatalf("ResolveDeviceID: %v", err)
	}
	if id != "env-screen" {
		t.Fatalf("id = %q, want env value", id)
	}
}

func TestResolveDeviceIDMachineFallback(t *testing.T) {
	t.Setenv(EnvDeviceID, "")
	id, err := ResolveDeviceID("")
	if err != nil {
		t.Skipf("no machine id on this host: %v", err)
	}
	if id == "" {
		t.Fatalf("machine-derived id should not be empty")
	}
}
