package archive_test

import (
	"sensorhub/testutil"
	"testing"
)

// TestOnlyCoreWiresArchiveDrivers ensures the concrete archive drivers are
// selected in one place. Other packages depend on archive.Store.
func TestOnlyCoreWiresArchiveDrivers(t *testing.T) {
	testutil.AssertOnlyImportedBy(t, testutil.ModulePath+"/...", testutil.ModulePath+"/internal/infra/archive",
		testutil.ModulePath+"/internal/core",
		testutil.ModulePath+"/internal/archive",
	)
}

func TestOnlyCoreWiresPersistenceBackends(t *testing.T) {
	testutil.AssertOnlyImportedBy(t, testutil.ModulePath+"/...", testutil.ModulePath+"/internal/infra/persistence",
		testutil.ModulePath+"/internal/core",
	)
}
