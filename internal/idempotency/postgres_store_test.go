//go:build integration

package idempotency

import (
	"testing"

	"github.com/mbd888/creditsaga/internal/testutil"
)

func TestPostgresStore_Contract(t *testing.T) {
	db := testutil.PGTest(t)
	storeContract(t, NewPostgresStore(db))
}
