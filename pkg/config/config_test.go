package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stratalog/strata/pkg/store"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "store.yaml", `
backend: sqlite3
dsn: file:chunks.db
table: events
codec: json
sharedSequence: true
poll:
  interval: 50ms
  limit: 100
`)

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.Backend != "sqlite3" || opts.DSN != "file:chunks.db" || opts.Table != "events" {
		t.Fatalf("opts = %+v", opts)
	}
	if opts.Codec != "json" || !opts.SharedSequence {
		t.Fatalf("opts = %+v", opts)
	}
	if opts.Poll.Limit != 100 {
		t.Fatalf("poll limit = %d", opts.Poll.Limit)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "store.json", `{"backend":"memory","codec":"nop"}`)

	opts, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts.Backend != "memory" {
		t.Fatalf("backend = %q", opts.Backend)
	}
}

func TestLoadWithEnv_Overrides(t *testing.T) {
	path := writeFile(t, "store.yaml", "backend: memory\n")

	t.Setenv("STRATA_BACKEND", "sqlite3")
	t.Setenv("STRATA_DSN", "file:override.db")

	opts, err := LoadWithEnv(path, "")
	if err != nil {
		t.Fatalf("LoadWithEnv: %v", err)
	}
	if opts.Backend != "sqlite3" || opts.DSN != "file:override.db" {
		t.Fatalf("opts = %+v", opts)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		opts Options
		ok   bool
	}{
		{"memory", Options{Backend: "memory"}, true},
		{"sqlite with dsn", Options{Backend: "sqlite3", DSN: "file:x.db"}, true},
		{"sqlite without dsn", Options{Backend: "sqlite3"}, false},
		{"unknown backend", Options{Backend: "etcd"}, false},
		{"unknown codec", Options{Backend: "memory", Codec: "xml"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tc.ok {
				var ioerr *store.InvalidOptionsError
				if !errors.As(err, &ioerr) {
					t.Fatalf("err = %v, want InvalidOptionsError", err)
				}
			}
		})
	}
}

func TestBuild_Memory(t *testing.T) {
	s, closeFn, err := Build(context.Background(), Default(), nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = closeFn() })

	if !s.SupportsFillers() {
		t.Fatalf("memory backend must support fillers")
	}
	c, err := s.Append(context.Background(), "p", store.AutoIndex, "x", "")
	if err != nil || c == nil {
		t.Fatalf("Append: %v, %v", c, err)
	}
}

func TestBuild_RejectsInvalid(t *testing.T) {
	_, _, err := Build(context.Background(), Options{Backend: "bogus"}, nil)
	var ioerr *store.InvalidOptionsError
	if !errors.As(err, &ioerr) {
		t.Fatalf("err = %v, want InvalidOptionsError", err)
	}
}
