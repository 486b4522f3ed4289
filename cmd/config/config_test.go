package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"flowchain/internal/testutil"
)

func TestLoadConfigDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")
	if AppConfig.Network.DiscoveryTag != "flowchain-mainnet" {
		t.Fatalf("unexpected discovery tag: %s", AppConfig.Network.DiscoveryTag)
	}
	if AppConfig.Chain.Threshold != 1_000_000 {
		t.Fatalf("expected default threshold 1000000, got %d", AppConfig.Chain.Threshold)
	}
}

func TestLoadConfigOverride(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("bootstrap")
	if AppConfig.Chain.Threshold != 500_000 {
		t.Fatalf("expected overridden threshold 500000, got %d", AppConfig.Chain.Threshold)
	}
	if AppConfig.Network.DiscoveryTag != "flowchain-bootstrap" {
		t.Fatalf("expected discovery tag override")
	}
}

func TestLoadConfigSandbox(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	data := []byte("network:\n  discovery_tag: sandbox\nchain:\n  threshold: 42\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")

	if AppConfig.Network.DiscoveryTag != "sandbox" {
		t.Fatalf("expected discovery tag sandbox, got %s", AppConfig.Network.DiscoveryTag)
	}
	if AppConfig.Chain.Threshold != 42 {
		t.Fatalf("expected threshold 42, got %d", AppConfig.Chain.Threshold)
	}
}
