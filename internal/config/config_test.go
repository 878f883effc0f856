package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("s3:\n  bucket: previews.example.com\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Inventory.Bucket != "previews.example.com-inventory" {
		t.Errorf("inventory bucket = %q", cfg.Inventory.Bucket)
	}
	if cfg.Inventory.Prefix != "previews.example.com/Inventory/" {
		t.Errorf("inventory prefix = %q", cfg.Inventory.Prefix)
	}
	if cfg.Delete.BatchSize != 1000 {
		t.Errorf("batch size = %d, want 1000", cfg.Delete.BatchSize)
	}
	if cfg.Markers.Workers != 20 {
		t.Errorf("marker workers = %d, want 20", cfg.Markers.Workers)
	}
	if cfg.Reduce.Workers <= 0 {
		t.Errorf("reduce workers = %d, want > 0", cfg.Reduce.Workers)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
}

func TestLoad_MissingBucket(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Error("expected error when s3.bucket is unset")
	}
}

func TestLoad_BatchSizeCeiling(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("s3:\n  bucket: b\ndelete:\n  batch_size: 2000\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for batch_size > 1000")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ORPHANSWEEP_BUCKET", "env-bucket")
	t.Setenv("ORPHANSWEEP_DELETE_BATCH_SIZE", "250")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.S3.Bucket != "env-bucket" {
		t.Errorf("bucket = %q, want env-bucket", cfg.S3.Bucket)
	}
	if cfg.Delete.BatchSize != 250 {
		t.Errorf("batch size = %d, want 250", cfg.Delete.BatchSize)
	}
}
