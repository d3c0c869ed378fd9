package db

import (
	"database/sql"
	"time"
)

type table struct {
	name string
	ddl  string
}

var mysqlTables = []table{
	{"certificates", `
CREATE TABLE IF NOT EXISTS certificates (
	serial_number VARCHAR(128) NOT NULL,
	subject VARCHAR(1024) NOT NULL,
	pem TEXT NOT NULL,
	status VARCHAR(16) NOT NULL,
	revoked_at TIMESTAMP NULL,
	reason INT NOT NULL DEFAULT 0,
	PRIMARY KEY (serial_number)
) DEFAULT CHARSET=utf8 COLLATE utf8_bin`},
	{"requests", `
CREATE TABLE IF NOT EXISTS requests (
	id VARCHAR(64) NOT NULL,
	type VARCHAR(32) NOT NULL,
	state VARCHAR(16) NOT NULL,
	serial_number VARCHAR(128),
	reason INT NOT NULL DEFAULT 0,
	comment VARCHAR(1024),
	requester VARCHAR(1024),
	certificate TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NULL,
	PRIMARY KEY (id)
) DEFAULT CHARSET=utf8 COLLATE utf8_bin`},
	{"shared_secrets", `
CREATE TABLE IF NOT EXISTS shared_secrets (
	serial_number VARCHAR(128) NOT NULL,
	secret VARCHAR(1024) NOT NULL,
	PRIMARY KEY (serial_number)
) DEFAULT CHARSET=utf8 COLLATE utf8_bin`},
	{"audit_log", `
CREATE TABLE IF NOT EXISTS audit_log (
	id INT NOT NULL AUTO_INCREMENT,
	ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	requester VARCHAR(1024),
	subject VARCHAR(1024),
	serial_number VARCHAR(128),
	reason INT NOT NULL DEFAULT 0,
	outcome VARCHAR(16) NOT NULL,
	detail VARCHAR(1024),
	PRIMARY KEY (id)
) DEFAULT CHARSET=utf8 COLLATE utf8_bin`},
}

var postgresTables = []table{
	{"certificates", `
CREATE TABLE IF NOT EXISTS certificates (
	serial_number VARCHAR(128) NOT NULL PRIMARY KEY,
	subject VARCHAR(1024) NOT NULL,
	pem TEXT NOT NULL,
	status VARCHAR(16) NOT NULL,
	revoked_at TIMESTAMP,
	reason INTEGER NOT NULL DEFAULT 0
)`},
	{"requests", `
CREATE TABLE IF NOT EXISTS requests (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	type VARCHAR(32) NOT NULL,
	state VARCHAR(16) NOT NULL,
	serial_number VARCHAR(128),
	reason INTEGER NOT NULL DEFAULT 0,
	comment VARCHAR(1024),
	requester VARCHAR(1024),
	certificate TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP
)`},
	{"shared_secrets", `
CREATE TABLE IF NOT EXISTS shared_secrets (
	serial_number VARCHAR(128) NOT NULL PRIMARY KEY,
	secret VARCHAR(1024) NOT NULL
)`},
	{"audit_log", `
CREATE TABLE IF NOT EXISTS audit_log (
	id SERIAL PRIMARY KEY,
	ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	requester VARCHAR(1024),
	subject VARCHAR(1024),
	serial_number VARCHAR(128),
	reason INTEGER NOT NULL DEFAULT 0,
	outcome VARCHAR(16) NOT NULL,
	detail VARCHAR(1024)
)`},
}

var sqliteTables = []table{
	{"certificates", `
CREATE TABLE IF NOT EXISTS certificates (
	serial_number VARCHAR(128) NOT NULL PRIMARY KEY,
	subject VARCHAR(1024) NOT NULL,
	pem TEXT NOT NULL,
	status VARCHAR(16) NOT NULL,
	revoked_at TIMESTAMP,
	reason INTEGER NOT NULL DEFAULT 0
)`},
	{"requests", `
CREATE TABLE IF NOT EXISTS requests (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	type VARCHAR(32) NOT NULL,
	state VARCHAR(16) NOT NULL,
	serial_number VARCHAR(128),
	reason INTEGER NOT NULL DEFAULT 0,
	comment VARCHAR(1024),
	requester VARCHAR(1024),
	certificate TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP
)`},
	{"shared_secrets", `
CREATE TABLE IF NOT EXISTS shared_secrets (
	serial_number VARCHAR(128) NOT NULL PRIMARY KEY,
	secret VARCHAR(1024) NOT NULL
)`},
	{"audit_log", `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	requester VARCHAR(1024),
	subject VARCHAR(1024),
	serial_number VARCHAR(128),
	reason INTEGER NOT NULL DEFAULT 0,
	outcome VARCHAR(16) NOT NULL,
	detail VARCHAR(1024)
)`},
}

// Certificate status values stored in the certificates table
const (
	CertStatusGood    = "good"
	CertStatusRevoked = "revoked"
)

// CertificateRecord is a row of the certificates table
type CertificateRecord struct {
	Serial    string       `db:"serial_number"`
	Subject   string       `db:"subject"`
	PEM       string       `db:"pem"`
	Status    string       `db:"status"`
	RevokedAt sql.NullTime `db:"revoked_at"`
	Reason    int          `db:"reason"`
}

// RequestRecord is a row of the requests table
type RequestRecord struct {
	ID          string         `db:"id"`
	Type        string         `db:"type"`
	State       string         `db:"state"`
	Serial      sql.NullString `db:"serial_number"`
	Reason      int            `db:"reason"`
	Comment     sql.NullString `db:"comment"`
	Requester   sql.NullString `db:"requester"`
	Certificate sql.NullString `db:"certificate"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   sql.NullTime   `db:"updated_at"`
}

// SharedSecretRecord is a row of the shared_secrets table
type SharedSecretRecord struct {
	Serial string `db:"serial_number"`
	Secret string `db:"secret"`
}

// AuditRecord is a row of the audit_log table
type AuditRecord struct {
	ID        int            `db:"id"`
	Timestamp time.Time      `db:"ts"`
	Requester sql.NullString `db:"requester"`
	Subject   sql.NullString `db:"subject"`
	Serial    sql.NullString `db:"serial_number"`
	Reason    int            `db:"reason"`
	Outcome   string         `db:"outcome"`
	Detail    sql.NullString `db:"detail"`
}
