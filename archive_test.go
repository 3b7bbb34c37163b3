package main

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
)

type zipEntry struct {
	name string
	body string
}

func writeZip(t *testing.T, path string, entries []zipEntry) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(e.body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtractArchive_Flattens(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "ZPU_CP04_STI_PRD.tdsx")
	writeZip(t, archive, []zipEntry{
		{name: "ZPU_CP04_STI_PRD.tds", body: "<datasource/>"},
		{name: "Data/"},
		{name: "Data/Extracts/"},
		{name: "Data/Extracts/ZPU_CP04_STI_PRD.hyper", body: "hyper bytes"},
	})

	files, err := extractArchive(archive, dir)
	if err != nil {
		t.Fatalf("extractArchive() error: %v", err)
	}

	got := make([]string, len(files))
	for i, f := range files {
		got[i] = filepath.Base(f)
	}
	sort.Strings(got)
	want := []string{"ZPU_CP04_STI_PRD.hyper", "ZPU_CP04_STI_PRD.tds"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("extracted %v, want %v", got, want)
	}

	data, err := os.ReadFile(filepath.Join(dir, "ZPU_CP04_STI_PRD.hyper"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hyper bytes" {
		t.Errorf("hyper content = %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "Data")); !os.IsNotExist(err) {
		t.Errorf("member directories should not be created, stat err = %v", err)
	}
}

func TestExtractArchive_Collision(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "dup.tdsx")
	writeZip(t, archive, []zipEntry{
		{name: "a/data.hyper", body: "one"},
		{name: "b/data.hyper", body: "two"},
	})

	_, err := extractArchive(archive, dir)
	if !errors.Is(err, ErrArchiveCollision) {
		t.Fatalf("error = %v, want ErrArchiveCollision", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data.hyper")); !os.IsNotExist(err) {
		t.Error("nothing should be written when members collide")
	}
}

func TestExtractArchive_NotAZip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.tdsx")
	if err := os.WriteFile(path, []byte("<html>login page</html>"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := extractArchive(path, dir); err == nil {
		t.Fatal("expected error for non-zip archive")
	}
}
