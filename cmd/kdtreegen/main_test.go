package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/image/tiff"
)

func TestRunPlanOnly(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-res", "300,200,100", "-plan"}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"plan 300x200x100", "level  0", "node buffer:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "tree ") {
		t.Error("-plan built a tree")
	}
}

func TestRunGenerate(t *testing.T) {
	dir := t.TempDir()
	slice := filepath.Join(dir, "leaf.tiff")
	prom := filepath.Join(dir, "kdtree.prom")
	logFile := filepath.Join(dir, "kdtree.log")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{
		"-device", "cpu",
		"-res", "9,9,9",
		"-slice", "0:0",
		"-channel", "span",
		"-out", slice,
		"-metrics", prom,
		"-log-file", logFile,
	}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("run() error = %v\nstderr: %s", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), "on cpu: root range [0, 1]") {
		t.Errorf("unexpected output:\n%s", stdout.String())
	}

	f, err := os.Open(slice)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cfg, err := tiff.DecodeConfig(f)
	if err != nil {
		t.Fatalf("slice is not a TIFF: %v", err)
	}
	if cfg.Width != 1 || cfg.Height != 1 {
		t.Errorf("root slice is %dx%d, want 1x1", cfg.Width, cfg.Height)
	}

	metricsText, err := os.ReadFile(prom)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(metricsText), `kdtree_generations_total{device="cpu"} 1`) {
		t.Errorf("metrics textfile lacks the generation counter:\n%s", metricsText)
	}

	logText, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(logText), "kdtree: tree generated") {
		t.Errorf("log file lacks the generation record:\n%s", logText)
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad res", []string{"-res", "4,4"}},
		{"zero res", []string{"-res", "0,4,4", "-plan"}},
		{"bad voxel", []string{"-voxel", "1,x,1"}},
		{"bad device", []string{"-device", "tpu"}},
		{"bad synthetic", []string{"-synthetic", "torus", "-res", "4,4,4"}},
		{"bad log level", []string{"-log-level", "loud"}},
		{"bad slice", []string{"-device", "cpu", "-res", "4,4,4", "-slice", "3"}},
		{"slice out of range", []string{"-device", "cpu", "-res", "4,4,4", "-slice", "99:0", "-out", os.DevNull}},
		{"missing volume", []string{"-volume", "does-not-exist.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if err := run(context.Background(), tt.args, &stdout, &stderr); err == nil {
				t.Error("run() succeeded")
			}
		})
	}
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-h"}, &stdout, &stderr)
	if !errors.Is(err, flag.ErrHelp) {
		t.Errorf("run(-h) error = %v, want flag.ErrHelp", err)
	}
	if !strings.Contains(stderr.String(), "-volume") {
		t.Error("usage does not list -volume")
	}
}

func TestParseSlice(t *testing.T) {
	level, z, err := parseSlice("3:7")
	if err != nil || level != 3 || z != 7 {
		t.Errorf("parseSlice(3:7) = %d, %d, %v", level, z, err)
	}
	for _, s := range []string{"", "3", "a:1", "1:-1"} {
		if _, _, err := parseSlice(s); err == nil {
			t.Errorf("parseSlice(%q) succeeded", s)
		}
	}
}
