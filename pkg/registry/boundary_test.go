package registry_test

import (
	"testing"

	"biomarkerkb/testutil"
)

// The registry package is the public contract between the service and its
// storage backends; it must not reach into internal packages.
func TestRegistryImportsStayPublic(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden,
		"pkg/registry is imported by backends and must not import them back")
}
