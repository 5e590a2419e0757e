package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		name     string
		markup   string
		args     []string
		wantErr  bool
		contains string
	}{
		{
			name:     "template with open fields",
			markup:   `<p>Buyer: <mark>[buyer_name]</mark> Notes: <mark>[notes_optional]</mark></p>`,
			args:     []string{"--step", "offer", "--template"},
			wantErr:  true,
			contains: `"buyer_name"`,
		},
		{
			name:     "document without fields",
			markup:   `<p>General terms apply.</p>`,
			args:     []string{"--step", "2"},
			contains: `"complete": true`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "doc.html", tc.markup)
			out, err := runCLI(t, append([]string{"check", path}, tc.args...)...)
			if (err != nil) != tc.wantErr {
				t.Fatalf("check error = %v, wantErr %v", err, tc.wantErr)
			}
			if !strings.Contains(out, tc.contains) {
				t.Fatalf("output %q does not contain %q", out, tc.contains)
			}
		})
	}
}

func TestCheckCommandRejectsUnknownStep(t *testing.T) {
	path := writeFile(t, "doc.html", `<p>x</p>`)
	if _, err := runCLI(t, "check", path, "--step", "bill_of_lading"); err == nil {
		t.Fatal("expected an error for an unknown step")
	}
}

func TestConfigCommandMasksSecrets(t *testing.T) {
	path := writeFile(t, "tradeflow.yml", "meili_api_key: super-secret\nlog_format: console\n")
	out, err := runCLI(t, "--config", path, "config")
	if err != nil {
		t.Fatalf("config error = %v", err)
	}
	if strings.Contains(out, "super-secret") {
		t.Fatalf("secret leaked in output:\n%s", out)
	}
	if !strings.Contains(out, "log_format: console") {
		t.Fatalf("expected file value in output:\n%s", out)
	}
}

func TestMigrateRequiresDatabase(t *testing.T) {
	t.Setenv("TRADEFLOW_DATABASE_URL", "")
	path := writeFile(t, "tradeflow.yml", "log_level: info\n")
	if _, err := runCLI(t, "--config", path, "migrate"); err == nil || !strings.Contains(err.Error(), "database_url") {
		t.Fatalf("migrate error = %v", err)
	}
}
