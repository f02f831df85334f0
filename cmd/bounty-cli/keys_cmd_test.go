package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestKeysNewAndShow(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "wallet.key")

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	exitCode := runKeysCommand([]string{"new", "--file", keyFile}, stdout, stderr)
	if exitCode != 0 {
		t.Fatalf("keys new failed: exit %d, stderr %q", exitCode, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("unexpected keys new output: %q", stdout.String())
	}
	const addrPrefix = "Your address is: "
	if !strings.HasPrefix(lines[1], addrPrefix) {
		t.Fatalf("unexpected address line: %q", lines[1])
	}
	address := strings.TrimPrefix(lines[1], addrPrefix)
	if !strings.HasPrefix(address, "bty1") {
		t.Fatalf("unexpected address encoding: %q", address)
	}

	stdout.Reset()
	stderr.Reset()
	exitCode = runKeysCommand([]string{"show", "--file", keyFile}, stdout, stderr)
	if exitCode != 0 {
		t.Fatalf("keys show failed: exit %d, stderr %q", exitCode, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "Address: "+address {
		t.Fatalf("keys show mismatch: got %q, want address %q", got, address)
	}
}

func TestKeysNewRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "wallet.key")

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	if exitCode := runKeysCommand([]string{"new", "--file", keyFile}, stdout, stderr); exitCode != 0 {
		t.Fatalf("first keys new failed: exit %d, stderr %q", exitCode, stderr.String())
	}

	stdout.Reset()
	stderr.Reset()
	exitCode := runKeysCommand([]string{"new", "--file", keyFile}, stdout, stderr)
	if exitCode != 1 {
		t.Fatalf("expected overwrite refusal, got exit %d", exitCode)
	}
	if !strings.Contains(stderr.String(), "already exists") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestKeysShowMissingFile(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "missing.key")

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	exitCode := runKeysCommand([]string{"show", "--file", keyFile}, stdout, stderr)
	if exitCode != 1 {
		t.Fatalf("expected failure for missing key file, got exit %d", exitCode)
	}
	if !strings.Contains(stderr.String(), "not found") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}
