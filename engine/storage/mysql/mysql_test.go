package mysql

import (
	"os"
	"testing"

	"github.com/winops/wimcmd/engine/storage"
	"github.com/winops/wimcmd/engine/storage/test"

	_ "github.com/go-sql-driver/mysql"
)

func TestMySQLStorage(t *testing.T) {
	testDSN := os.Getenv("WIMCMD_MYSQL_STORAGE_TEST_DSN")
	if testDSN == "" {
		t.Skip("WIMCMD_MYSQL_STORAGE_TEST_DSN not set")
	}

	s, err := New(WithDSN(testDSN))
	if err != nil {
		t.Fatal(err)
	}

	// to test using an existing DB/DSN start from an empty schema:
	//
	// DELETE FROM batch_operations;
	// DELETE FROM workflow_definitions;

	test.TestEngineStorage(t, func() storage.AllStorage { return s })
}
