package httpapi

import (
	"testing"

	"biomarkerkb/testutil"
)

// HTTP handlers depend on the service and the registry contract, never on a
// concrete ledger backend.
func TestHandlerAvoidsLedgerBackends(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.LedgerBackendImportForbidden,
		"handlers must use the service layer, not storage backends")
}
