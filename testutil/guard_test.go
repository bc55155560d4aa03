package testutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/tools/go/packages"
)

type recorder struct{ msgs []string }

func (r *recorder) Fatalf(format string, args ...any) { r.msgs = append(r.msgs, fmt.Sprintf(format, args...)) }

func TestPredicates(t *testing.T) {
	cases := []struct {
		fn   func(string) bool
		in   string
		want bool
	}{
		{InternalImportForbidden, "sensorhub/internal/registry", true},
		{InternalImportForbidden, "sensorhub/pkg/event", false},
		{InfraImportForbidden, "sensorhub/internal/infra", true},
		{InfraImportForbidden, "sensorhub/internal/infra/archive/s3", true},
		{InfraImportForbidden, "sensorhub/internal/infrastructure", false},
	}
	for _, c := range cases {
		if got := c.fn(c.in); got != c.want {
			t.Fatalf("predicate(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.go":      "package tmp\nimport \"fmt\"\nimport \"sensorhub/internal/core\"\nfunc X(){fmt.Println(core.StorageMemory)}",
		"a_test.go": "package tmp\nimport \"sensorhub/internal/registry\"\n",
		"notes.txt": "import \"sensorhub/internal/x\"",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	viols, err := directImportViolations(dir, InternalImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "sensorhub/internal/core (in a.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}
	if _, err := directImportViolations(filepath.Join(dir, "missing"), InternalImportForbidden); err == nil {
		t.Fatal("expected error for missing dir")
	}
}

func withPackages(t *testing.T, pkgs []*packages.Package, err error) {
	t.Helper()
	orig := loadPackages
	loadPackages = func(*packages.Config, string) ([]*packages.Package, error) { return pkgs, err }
	t.Cleanup(func() { loadPackages = orig })
}

func TestTransitiveDependencyViolations(t *testing.T) {
	leaf := &packages.Package{PkgPath: "sensorhub/internal/infra/archive/s3", Imports: map[string]*packages.Package{}}
	mid := &packages.Package{PkgPath: "sensorhub/internal/core", Imports: map[string]*packages.Package{leaf.PkgPath: leaf}}
	top := &packages.Package{PkgPath: "sensorhub/cmd/sensorhub", Imports: map[string]*packages.Package{mid.PkgPath: mid, leaf.PkgPath: leaf}}
	withPackages(t, []*packages.Package{top}, nil)

	viols, err := transitiveDependencyViolations("sensorhub/cmd/...", InfraImportForbidden)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(viols) != 1 || viols[0] != leaf.PkgPath {
		t.Fatalf("unexpected violations %v", viols)
	}

	withPackages(t, nil, errors.New("boom"))
	if _, err := transitiveDependencyViolations("x", InfraImportForbidden); err == nil {
		t.Fatal("expected load error")
	}
}

func TestImporterViolations(t *testing.T) {
	withPackages(t, []*packages.Package{
		{PkgPath: "sensorhub/internal/core", Imports: map[string]*packages.Package{"sensorhub/internal/infra/archive/fs": nil}},
		{PkgPath: "sensorhub/internal/infra/archive/s3", Imports: map[string]*packages.Package{"sensorhub/internal/infra/archive": nil}},
		{PkgPath: "sensorhub/internal/registry", Imports: map[string]*packages.Package{"sensorhub/internal/infra/archive/fs": nil}},
	}, nil)
	viols, err := importerViolations("sensorhub/...", "sensorhub/internal/infra/archive", []string{"sensorhub/internal/core"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(viols) != 1 || viols[0] != "sensorhub/internal/registry: sensorhub/internal/infra/archive/fs" {
		t.Fatalf("unexpected violations %v", viols)
	}
}

func TestFailIf(t *testing.T) {
	var r recorder
	failIf(&r, "what", "why", nil)
	if len(r.msgs) != 0 {
		t.Fatalf("unexpected failure %v", r.msgs)
	}
	failIf(&r, "what", "why", []string{"a", "b"})
	if len(r.msgs) != 1 || r.msgs[0] != "what (why):\na\nb" {
		t.Fatalf("unexpected message %v", r.msgs)
	}
}
