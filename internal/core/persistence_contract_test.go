package core

import (
	"go/types"
	"sort"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestDurableDatabaseImplementations ensures only the sanctioned storage
// packages provide concrete implementations of domain.DurableDatabase. A new
// backend must be added here and to OpenDatabase together.
func TestDurableDatabaseImplementations(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedTypes}
	pkgs, err := packages.Load(cfg, "sensorhub/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	var durable *types.Interface
	for _, p := range pkgs {
		if p.PkgPath != "sensorhub/pkg/domain" {
			continue
		}
		obj := p.Types.Scope().Lookup("DurableDatabase")
		if obj == nil {
			t.Fatalf("domain.DurableDatabase not found")
		}
		iface, ok := obj.Type().Underlying().(*types.Interface)
		if !ok {
			t.Fatalf("domain.DurableDatabase is not an interface")
		}
		durable = iface
	}
	if durable == nil {
		t.Fatalf("failed to resolve DurableDatabase interface")
	}
	allowed := map[string]struct{}{
		"sensorhub/internal/infra/datastore/memory":      {},
		"sensorhub/internal/infra/persistence/sqlite":   {},
		"sensorhub/internal/infra/persistence/postgres": {},
	}
	var unexpected []string
	for _, p := range pkgs {
		if p.Types == nil {
			continue
		}
		scope := p.Types.Scope()
		for _, name := range scope.Names() {
			named, ok := scope.Lookup(name).Type().(*types.Named)
			if !ok {
				continue
			}
			if _, isStruct := named.Underlying().(*types.Struct); !isStruct {
				continue
			}
			if types.Implements(types.NewPointer(named), durable) {
				if _, ok := allowed[p.PkgPath]; !ok {
					unexpected = append(unexpected, p.PkgPath+"."+name)
				}
			}
		}
	}
	sort.Strings(unexpected)
	if len(unexpected) > 0 {
		t.Fatalf("unexpected DurableDatabase implementations:\n%v", unexpected)
	}
}
