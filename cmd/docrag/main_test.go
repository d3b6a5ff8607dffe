package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOTLPEndpoint(t *testing.T) {
	tests := []struct {
		raw      string
		insecure bool
		want     string
		wantIns  bool
	}{
		{"", true, "", true},
		{"localhost:4317", false, "localhost:4317", false},
		{"http://collector:4317", false, "collector:4317", true},
		{"https://otel.example.com:443/", true, "otel.example.com:443", false},
	}
	for _, tt := range tests {
		got, ins := otlpEndpoint(tt.raw, tt.insecure)
		if got != tt.want || ins != tt.wantIns {
			t.Errorf("otlpEndpoint(%q, %v) = %q, %v; want %q, %v", tt.raw, tt.insecure, got, ins, tt.want, tt.wantIns)
		}
	}
}

func TestExpandPaths(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.pdf", "b.md", "c.png", ".hidden.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.txt"), 0o755); err != nil {
		t.Fatal(err)
	}
	single := filepath.Join(dir, "c.png")

	got, err := expandPaths([]string{dir, single})
	if err != nil {
		t.Fatalf("expandPaths: %v", err)
	}
	want := []string{filepath.Join(dir, "a.pdf"), filepath.Join(dir, "b.md"), single}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("path %d = %s, want %s", i, got[i], want[i])
		}
	}

	if _, err := expandPaths([]string{filepath.Join(dir, "missing.txt")}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestJoinArgs(t *testing.T) {
	if got := joinArgs([]string{" what is", "the refund policy? "}); got != "what is the refund policy?" {
		t.Errorf("joinArgs = %q", got)
	}
}
