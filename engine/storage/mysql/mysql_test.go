package mysql

import (
	"context"
	"os"
	"testing"

	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/engine/storage/test"

	_ "github.com/go-sql-driver/mysql"
)

func TestMySQLStorage(t *testing.T) {
	testDSN := os.Getenv("NANOTASK_MYSQL_STORAGE_TEST_DSN")
	if testDSN == "" {
		t.Skip("NANOTASK_MYSQL_STORAGE_TEST_DSN not set")
	}

	s, err := New(WithDSN(testDSN))
	if err != nil {
		t.Fatal(err)
	}

	// the suite expects empty storage for each run
	test.TestEngineStorage(t, func() storage.AllStorage {
		for _, table := range []string{"task_notifications", "task_tokens", "task_actions", "tasks"} {
			if _, err := s.db.ExecContext(context.Background(), "DELETE FROM "+table+";"); err != nil {
				t.Fatal(err)
			}
		}
		return s
	})
}
