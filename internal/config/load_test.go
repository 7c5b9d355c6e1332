package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
node:
  name: "node-a"
  role: "server"
  listen_addr: "0.0.0.0:7788"
  peer_addr: "node-b:7788"
  recv_timeout: 30s
  helper_script: /etc/blockmirror/helper.sh
logging:
  level: info
  format: json
audit:
  enabled: true
  s3_bucket: resync-audit
  s3_prefix: node-a/
  s3_region: us-east-1
telemetry:
  enabled: true
  interval: 10s
verify:
  enabled: true
  schedule: "0 3 * * 0"
devices:
  - name: r0
    resync_rate: "40mb"
    max_requests_cap: 1000
    fill_target: 100
    delay_target: 5
    max_bio_size: "64kb"
    checksum_enabled: true
    protocol_version: 96
    capacity: "100gb"
  - name: r1
    resync_rate: "10mb"
    capacity: "10gb"
    fifo_depth: 16
`

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blockmirrord.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempFile(t, sampleConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Name != "node-a" || cfg.Node.Role != RoleServer {
		t.Fatalf("unexpected node info: %+v", cfg.Node)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(cfg.Devices))
	}

	r0 := cfg.Devices[0]
	if r0.ResyncRateKiBsRaw != 40*1024 {
		t.Errorf("ResyncRateKiBsRaw = %d, want %d", r0.ResyncRateKiBsRaw, 40*1024)
	}
	if r0.MaxBioSizeRaw != 64*1024 {
		t.Errorf("MaxBioSizeRaw = %d, want %d", r0.MaxBioSizeRaw, 64*1024)
	}
	if r0.CapacitySectors != 100*1024*1024*1024/512 {
		t.Errorf("CapacitySectors = %d, want %d", r0.CapacitySectors, 100*1024*1024*1024/512)
	}
	if r0.FifoDepth != 8 {
		t.Errorf("FifoDepth default = %d, want 8", r0.FifoDepth)
	}

	r1 := cfg.Devices[1]
	if r1.FifoDepth != 16 {
		t.Errorf("FifoDepth override = %d, want 16", r1.FifoDepth)
	}
}

func TestLoadRejectsMissingRole(t *testing.T) {
	content := `
node:
  name: "node-a"
devices:
  - name: r0
    capacity: "1gb"
`
	path := writeTempFile(t, content)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing node.role")
	}
}

func TestLoadRejectsDuplicateDeviceNames(t *testing.T) {
	content := `
node:
  name: "node-a"
  role: "client"
devices:
  - name: r0
    capacity: "1gb"
  - name: r0
    capacity: "2gb"
`
	path := writeTempFile(t, content)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate device name")
	}
}

func TestLoadRejectsNoDevices(t *testing.T) {
	content := `
node:
  name: "node-a"
  role: "client"
`
	path := writeTempFile(t, content)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty devices list")
	}
}

func TestParseByteSizeSuffixes(t *testing.T) {
	cases := map[string]int64{
		"1gb":  1024 * 1024 * 1024,
		"64kb": 64 * 1024,
		"10mb": 10 * 1024 * 1024,
		"512b": 512,
		"100":  100,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}

	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected error for unparseable size string")
	}
}
