package main

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestSplitSectionPath(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantSection string
		wantRel     string
	}{
		{"database", "orkestra-data/orkestra.db", "orkestra-data", "orkestra.db"},
		{"config", "orkestra-config/orkestra.yaml", "orkestra-config", "orkestra.yaml"},
		{"nested", "orkestra-data/sub/file", "orkestra-data", "sub/file"},
		{"leading dot-slash", "./orkestra-data/orkestra.db", "orkestra-data", "orkestra.db"},
		{"leading slash", "/orkestra-data/orkestra.db", "orkestra-data", "orkestra.db"},
		{"section only", "orkestra-data/", "", ""},
		{"bare name", "orkestra-data", "", ""},
		{"unknown section", "other/file.txt", "", ""},
		{"escapes section", "orkestra-data/../../etc/passwd", "", ""},
		{"empty string", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			section, rel := splitSectionPath(tt.input)
			if section != tt.wantSection {
				t.Errorf("splitSectionPath(%q) section = %q, want %q", tt.input, section, tt.wantSection)
			}
			if rel != tt.wantRel {
				t.Errorf("splitSectionPath(%q) rel = %q, want %q", tt.input, rel, tt.wantRel)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1610612736, "1.5 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatSize(tt.bytes); got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	dbFile := filepath.Join(src, "orkestra.db")
	cfgFile := filepath.Join(src, "orkestra.yaml")
	os.WriteFile(dbFile, []byte("sqlite-data"), 0o600)
	os.WriteFile(cfgFile, []byte("web:\n  port: 9090\n"), 0o644)

	archive := filepath.Join(t.TempDir(), "backup.tar.zst")
	err := writeArchive(archive, map[string]string{
		"orkestra-data/orkestra.db":     dbFile,
		"orkestra-config/orkestra.yaml": cfgFile,
	})
	if err != nil {
		t.Fatalf("writeArchive: %v", err)
	}

	dataDir := filepath.Join(t.TempDir(), "data")
	cfgDir := filepath.Join(t.TempDir(), "config")
	targets := map[string]string{sectionData: dataDir, sectionConfig: cfgDir}

	n, err := extractArchive(archive, targets, false)
	if err != nil {
		t.Fatalf("extractArchive: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 files restored, got %d", n)
	}

	data, err := os.ReadFile(filepath.Join(dataDir, "orkestra.db"))
	if err != nil || string(data) != "sqlite-data" {
		t.Errorf("database not restored: %q, %v", data, err)
	}
	info, err := os.Stat(filepath.Join(dataDir, "orkestra.db"))
	if err == nil && info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}
	data, err = os.ReadFile(filepath.Join(cfgDir, "orkestra.yaml"))
	if err != nil || string(data) != "web:\n  port: 9090\n" {
		t.Errorf("config not restored: %q, %v", data, err)
	}

	// Existing files are kept unless overwrite is set.
	if _, err := extractArchive(archive, targets, false); err == nil {
		t.Error("expected error for existing files")
	}
	if _, err := extractArchive(archive, targets, true); err != nil {
		t.Errorf("overwrite: %v", err)
	}
}

func TestExtractSkipsUnknownEntries(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "test.tar.zst")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range map[string]string{
		"legacy-data/db.sqlite":       "other",
		"orkestra-data/../escape.txt": "evil",
		"orkestra-data/orkestra.db":   "ok",
		"random-file.txt":             "data",
	} {
		tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: 0o644, Size: int64(len(content))})
		tw.Write([]byte(content))
	}
	tw.Close()
	zw.Close()
	f.Close()

	dir := t.TempDir()
	n, err := extractArchive(archive, map[string]string{sectionData: dir}, false)
	if err != nil {
		t.Fatalf("extractArchive: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 file restored, got %d", n)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.txt")); err == nil {
		t.Error("entry escaped its section")
	}
}

func TestExtractInvalidArchive(t *testing.T) {
	if _, err := extractArchive("/nonexistent/file.tar.zst", nil, false); err == nil {
		t.Fatal("expected error for nonexistent file")
	}

	path := filepath.Join(t.TempDir(), "bad.tar.zst")
	os.WriteFile(path, []byte("not zstd data"), 0o644)
	if _, err := extractArchive(path, nil, false); err == nil {
		t.Fatal("expected error for invalid zstd data")
	}
}
