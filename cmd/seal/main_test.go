package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"stab/internal/imagetest"
	"stab/pkg/image"
	"stab/pkg/source"
)

func TestNewLogger(t *testing.T) {
	if l, err := newLogger("no-such-level"); err == nil || l != nil {
		t.Errorf("newLogger(bad level) = %v, %v; want nil and an error", l, err)
	}
	l, err := newLogger("debug")
	if err != nil || l == nil {
		t.Fatalf("newLogger(debug) = %v, %v", l, err)
	}
	l.Debug("usable")
}

func TestSealFile(t *testing.T) {
	dir := t.TempDir()
	b := imagetest.Host(0x10000000)
	b.AddSection(".text", image.ScnMemRead|image.ScnMemExecute, []byte{0xc3}, 0)
	plain := b.Bytes()

	in := filepath.Join(dir, "in.dll")
	if err := os.WriteFile(in, plain, 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "in.dll.sealed")
	if _, err := sealFile(in, out, "hunter2", false); err != nil {
		t.Fatal(err)
	}
	sealed, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	got, err := source.Open(sealed, "hunter2")
	if err != nil || string(got) != string(plain) {
		t.Errorf("Open(sealed) = %d bytes, %v; want the input back", len(got), err)
	}
}

func TestSealFileRefusals(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.bin")
	if err := os.WriteFile(junk, []byte("not an image, just text"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := sealFile(junk, junk+".sealed", "", false); !errors.Is(err, errNoPassword) {
		t.Errorf("empty password err = %v, want errNoPassword", err)
	}
	if _, err := sealFile(junk, junk+".sealed", "pw", false); err == nil {
		t.Error("non-PE input sealed without -force")
	}
	if _, err := sealFile(junk, junk+".sealed", "pw", true); err != nil {
		t.Errorf("forced seal: %v", err)
	}
}
