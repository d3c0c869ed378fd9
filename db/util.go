package db

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudflare/cfssl/log"
	_ "github.com/go-sql-driver/mysql" // mysql driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/pkg/errors"
	"github.com/rkcloudchain/cmcresponder/util"
)

// CMCDB is the interface with functions implemented by sqlx.DB
// object that are used by the cmc-responder server
type CMCDB interface {
	IsInitialized() bool
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
	NamedExec(query string, arg interface{}) (sql.Result, error)
	Rebind(query string) string
	Beginx() (*sqlx.Tx, error)
	BeginTx() (CMCTx, error)
	Close() error
}

// CMCTx is the interface with functions implemented by sqlx.Tx
// object that are used by the cmc-responder server
type CMCTx interface {
	Queryx(query string, args ...interface{}) (*sqlx.Rows, error)
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
	Exec(query string, args ...interface{}) (sql.Result, error)
	NamedExec(query string, arg interface{}) (sql.Result, error)
	Commit() error
	Rollback() error
}

// DB is an adopter for sqlx.DB and implements CMCDB
type DB struct {
	*sqlx.DB
	IsDBInitialized bool
}

// BeginTx implements BeginTx method of CMCDB interface
func (db *DB) BeginTx() (CMCTx, error) {
	tx, err := db.Beginx()
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// IsInitialized returns true if db is initialized, else false
func (db *DB) IsInitialized() bool {
	return db.IsDBInitialized
}

// New opens a database of the given type
func New(dbType, datasource string) (*DB, error) {
	log.Debugf("Initializing '%s' database at '%s'", dbType, util.MaskDataSource(datasource))

	switch strings.ToLower(dbType) {
	case "mysql":
		return NewMySQL(datasource)
	case "postgres":
		return NewPostgres(datasource)
	case "sqlite3":
		return NewSQLite3(datasource)
	default:
		return nil, errors.Errorf("Invalid db.type in config file: '%s'; must be 'sqlite3', 'postgres' or 'mysql'", dbType)
	}
}

// NewMySQL opens a connection to a MySQL database
func NewMySQL(datasource string) (*DB, error) {
	log.Debugf("Using MySQL database, connecting to database...")

	dbName := getDBName(datasource)
	log.Debugf("Database Name: %s", dbName)

	re := regexp.MustCompile(`\/([0-9,a-z,A-Z$_]+)`)
	connStr := re.ReplaceAllString(datasource, "/")

	log.Debugf("Connecting to MySQL server, using connecting string: %s", util.MaskDataSource(connStr))
	db, err := sqlx.Open("mysql", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open MySQL database")
	}

	err = db.Ping()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to connect to MySQL database")
	}

	err = createMySQLDatabase(dbName, db)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create MySQL database")
	}
	db.Close()

	log.Debugf("Connecting to database '%s', using connection string: '%s'", dbName, util.MaskDataSource(datasource))
	db, err = sqlx.Open("mysql", datasource)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open database (%s) in MySQL server", dbName)
	}

	err = createTables(db, mysqlTables)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create MySQL tables")
	}

	return &DB{db, true}, nil
}

func createMySQLDatabase(dbName string, db *sqlx.DB) error {
	log.Debugf("Creating MySQL Database (%s) if it does not exists...", dbName)

	_, err := db.Exec("CREATE DATABASE IF NOT EXISTS " + dbName)
	if err != nil {
		return errors.Wrap(err, "Failed to execute create database query")
	}

	return nil
}

// NewPostgres opens a connection to a postgres database
func NewPostgres(datasource string) (*DB, error) {
	log.Debugf("Using postgres database, connection to database...")

	dbName := getDBName(datasource)
	log.Debugf("Database Name: %s", dbName)

	if strings.Contains(dbName, "-") || strings.HasSuffix(dbName, ".db") {
		return nil, errors.Errorf("Database name '%s' cannot contain any '-' or end with '.db'", dbName)
	}

	dbNames := []string{dbName, "postgres", "template1"}
	var db *sqlx.DB
	var pingErr, err error

	for _, name := range dbNames {
		connStr := getConnStr(datasource, name)
		log.Debugf("Connecting to PostgreSQL server, using connection string: %s", util.MaskDataSource(connStr))

		db, err = sqlx.Open("postgres", connStr)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to open Postgres database")
		}

		pingErr = db.Ping()
		if pingErr == nil {
			break
		}
		db.Close()
		log.Warningf("Failed to connect to database '%s'", name)
	}

	if pingErr != nil {
		return nil, errors.Errorf("Failed to connect to Postgres database. Postgres requires connecting to a specific database, the following databases were tried: %s. Please create one of these database before continuing", dbNames)
	}

	err = createPostgresDatabase(dbName, db)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create Postgres database")
	}
	db.Close()

	log.Debugf("Connecting to database '%s', using connection string: '%s'", dbName, util.MaskDataSource(datasource))
	db, err = sqlx.Open("postgres", datasource)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open database '%s' in Postgres server", dbName)
	}

	err = createTables(db, postgresTables)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create Postgres tables")
	}

	return &DB{db, true}, nil
}

func createPostgresDatabase(dbName string, db *sqlx.DB) error {
	log.Debugf("Creating Postgres Database (%s) if it does not exists...", dbName)

	query := "CREATE DATABASE " + dbName
	_, err := db.Exec(query)
	if err != nil {
		if !strings.Contains(err.Error(), fmt.Sprintf("database \"%s\" already exists", dbName)) {
			return errors.Wrap(err, "Failed to execute create database query")
		}
	}

	return nil
}

// NewSQLite3 opens a SQLite database file, creating it if needed
func NewSQLite3(datasource string) (*DB, error) {
	log.Debugf("Using sqlite database, connect to database in home (%s) directory", datasource)

	if datasource == "" {
		return nil, errors.New("Datasource of a sqlite3 database must name a file")
	}

	sep := "?"
	if strings.Contains(datasource, "?") {
		sep = "&"
	}
	db, err := sqlx.Open("sqlite3", datasource+sep+"_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open sqlite3 DB")
	}
	// One connection serializes writers
	db.SetMaxOpenConns(1)

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "Failed to connect to sqlite3 database")
	}

	err = createTables(db, sqliteTables)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "Failed to create sqlite3 tables")
	}

	return &DB{db, true}, nil
}

func createTables(db *sqlx.DB, tables []table) error {
	for _, t := range tables {
		log.Debugf("Creating %s table if it does not exist", t.name)
		_, err := db.Exec(t.ddl)
		if err != nil {
			return errors.Wrapf(err, "Error creating %s table", t.name)
		}
	}
	return nil
}

// Gets connection string without database
func getConnStr(datasource string, dbname string) string {
	re := regexp.MustCompile(`(dbname=)([^\s]+)`)
	connStr := re.ReplaceAllString(datasource, fmt.Sprintf("dbname=%s", dbname))
	return connStr
}

// getDBName gets database name from connection string
func getDBName(datasource string) string {
	var dbName string
	datasource = strings.ToLower(datasource)

	re := regexp.MustCompile(`(?:\/([^\/?]+))|(?:dbname=([^\s]+))`)
	getName := re.FindStringSubmatch(datasource)
	if getName != nil {
		dbName = getName[1]
		if dbName == "" {
			dbName = getName[2]
		}
	}

	return dbName
}
