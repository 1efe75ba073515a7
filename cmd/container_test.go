package cmd

import (
	"testing"

	"ifrelay/pkg/config"
)

func TestValidateGadgetsRequiresAtLeastOneGadget(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	if err := validateGadgets(cfg); err == nil {
		t.Fatal("expected error when no gadgets are configured")
	}
}

func TestValidateGadgetsRejectsDuplicateModules(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Container: config.ContainerConfig{Gadgets: []config.GadgetConfig{{ModuleID: 1}, {ModuleID: 1}}}}
	if err := validateGadgets(cfg); err == nil {
		t.Fatal("expected error for duplicate module ids")
	}
}

func TestGadgetFrames(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Container: config.ContainerConfig{Gadgets: []config.GadgetConfig{{ModuleID: 42}, {ModuleID: 7}}}}
	if got := gadgetFrames(cfg); got != "remote_iframe_42,remote_iframe_7" {
		t.Fatalf("gadgetFrames = %q, want %q", got, "remote_iframe_42,remote_iframe_7")
	}
}
