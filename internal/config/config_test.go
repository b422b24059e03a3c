package config

import (
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/breeze-rmm/capturemgr/internal/capture"
)

const sampleConfig = `
sources:
  - kind: display
    locator: "1920x1080@-1920,0"
    api: wgc
    cursor: true
  - kind: image
    locator: /tmp/banner.png
    position: {x: 0, y: 1080}
    crop: {x: 10, y: 10, width: 200, height: 100}
overlays:
  - kind: image
    locator: /tmp/logo.png
    anchor: bottom-right
    offset: {x: 8, y: 8}
    size: {width: 64, height: 64}
poll_interval_ms: 33
snapshot:
  enabled: true
  provider: s3
  bucket: frames
  region: eu-west-1
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Sources) != 2 || len(cfg.Overlays) != 1 {
		t.Fatalf("sources=%d overlays=%d", len(cfg.Sources), len(cfg.Overlays))
	}
	if cfg.PollInterval() != 33*time.Millisecond {
		t.Fatalf("PollInterval = %v", cfg.PollInterval())
	}
	if cfg.AcquireTimeoutMs != Default().AcquireTimeoutMs {
		t.Fatalf("AcquireTimeoutMs = %d, want default", cfg.AcquireTimeoutMs)
	}
	if cfg.Snapshot.Provider != "s3" || cfg.Snapshot.Bucket != "frames" || cfg.Snapshot.Prefix != "snapshots" {
		t.Fatalf("snapshot = %+v", cfg.Snapshot)
	}
	if result := cfg.ValidateTiered(); result.HasFatals() {
		t.Fatalf("sample config has fatals: %v", result.Fatals)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BREEZE_CAPTURE_MAX_RESTARTS", "9")
	t.Setenv("BREEZE_CAPTURE_SNAPSHOT_BUCKET", "other")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRestarts != 9 {
		t.Fatalf("MaxRestarts = %d, want 9", cfg.MaxRestarts)
	}
	if cfg.Snapshot.Bucket != "other" {
		t.Fatalf("Snapshot.Bucket = %q, want other", cfg.Snapshot.Bucket)
	}
}

func TestDescriptors(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sources, overlays, err := cfg.Descriptors()
	if err != nil {
		t.Fatalf("Descriptors: %v", err)
	}

	d := sources[0]
	if d.Kind != capture.KindDisplay || d.API != capture.APIGraphicsCapture || !d.CursorEnabled() {
		t.Fatalf("display descriptor = %+v", d)
	}
	img := sources[1]
	if img.Position == nil || *img.Position != image.Pt(0, 1080) {
		t.Fatalf("position = %v", img.Position)
	}
	if img.Crop == nil || *img.Crop != image.Rect(10, 10, 210, 110) {
		t.Fatalf("crop = %v", img.Crop)
	}
	if img.CursorEnabled() {
		t.Fatal("cursor should default to off")
	}

	o := overlays[0]
	if o.Anchor != capture.AnchorBottomRight || o.Offset != image.Pt(8, 8) || o.Size != image.Pt(64, 64) {
		t.Fatalf("overlay descriptor = %+v", o)
	}
}

func TestSaveToRoundTripsWithoutSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Snapshot.Provider = "azure"
	cfg.Snapshot.Container = "frames"
	cfg.Snapshot.ConnectionString = "AccountKey=secret"

	path := filepath.Join(t.TempDir(), "nested", "capture.yaml")
	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), "secret") {
		t.Fatalf("saved config leaks the connection string:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Snapshot.Container != "frames" || len(loaded.Sources) != 1 {
		t.Fatalf("loaded = %+v", loaded)
	}
}
