package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDBName(t *testing.T) {
	assert.Equal(t, "cmc", getDBName("root:rootpw@tcp(localhost:3306)/cmc?parseTime=true"))
	assert.Equal(t, "cmc", getDBName("host=localhost port=5432 user=cmc password=pw dbname=cmc sslmode=disable"))
	assert.Equal(t, "", getDBName("host=localhost"))
}

func TestGetConnStr(t *testing.T) {
	connStr := getConnStr("host=localhost dbname=cmc sslmode=disable", "postgres")
	assert.Equal(t, "host=localhost dbname=postgres sslmode=disable", connStr)
}

func TestNewInvalidType(t *testing.T) {
	_, err := New("oracle", "cmc.db")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid db.type")
}

func TestNewPostgresInvalidName(t *testing.T) {
	_, err := NewPostgres("host=localhost dbname=cmc-db")
	assert.Error(t, err)
}

func TestTablesDefined(t *testing.T) {
	names := func(tables []table) []string {
		var n []string
		for _, t := range tables {
			n = append(n, t.name)
		}
		return n
	}
	expected := []string{"certificates", "requests", "shared_secrets", "audit_log"}
	assert.Equal(t, expected, names(mysqlTables))
	assert.Equal(t, expected, names(postgresTables))
	assert.Equal(t, expected, names(sqliteTables))
}

func TestNewSQLite3(t *testing.T) {
	_, err := NewSQLite3("")
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "cmc.db")
	db, err := New("sqlite3", file)
	require.NoError(t, err)
	assert.True(t, db.IsInitialized())

	_, err = db.NamedExec(`INSERT INTO audit_log (requester, reason, outcome) VALUES (:requester, :reason, :outcome)`,
		&AuditRecord{Requester: nullString("client1"), Reason: 1, Outcome: "success"})
	require.NoError(t, err)

	var recs []AuditRecord
	require.NoError(t, db.Select(&recs, db.Rebind("SELECT * FROM audit_log")))
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].ID)
	assert.Equal(t, "client1", recs[0].Requester.String)

	tx, err := db.BeginTx()
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, db.Close())

	db, err = New("sqlite3", file)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Get(&recs[0], db.Rebind("SELECT * FROM audit_log WHERE id = ?"), 1))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
