package server

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/jmoiron/sqlx"
	"github.com/kisielk/sqlstruct"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/cmcresponder/cmc"
	dbutil "github.com/rkcloudchain/cmcresponder/db"
	caerrors "github.com/rkcloudchain/cmcresponder/errors"
	"github.com/rkcloudchain/cmcresponder/util"
)

func init() {
	sqlstruct.TagName = "db"
}

const (
	getCertificateSQL = `
SELECT %s FROM certificates
	WHERE (serial_number = ?);`

	getSharedSecretSQL = `
SELECT %s FROM shared_secrets
	WHERE (serial_number = ?);`
)

// CertDBAccessor reads issued certificates from the certificates table
type CertDBAccessor struct {
	db dbutil.CMCDB
}

// NewCertDBAccessor is a constructor for the certificate database API
func NewCertDBAccessor(db dbutil.CMCDB) *CertDBAccessor {
	return &CertDBAccessor{db: db}
}

func (d *CertDBAccessor) checkDB() error {
	if d.db == nil {
		return errors.New("Failed to correctly setup database connection")
	}
	return nil
}

// SetDB changes the underlying database CertDBAccessor is reading.
func (d *CertDBAccessor) SetDB(db dbutil.CMCDB) {
	d.db = db
}

// GetCertificate returns the certificate with the given serial number
func (d *CertDBAccessor) GetCertificate(ctx context.Context, serial *big.Int) (*cmc.CertRecord, error) {
	hex := util.GetSerialAsHex(serial)
	log.Debugf("DB: Get certificate by serial %s", hex)

	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var rec dbutil.CertificateRecord
	err = d.db.Get(&rec, d.db.Rebind(fmt.Sprintf(getCertificateSQL, sqlstruct.Columns(dbutil.CertificateRecord{}))), hex)
	if err != nil {
		return nil, getError(err, caerrors.ErrCertNotFound, "Certificate", hex)
	}

	cert, err := helpers.ParseCertificatePEM([]byte(rec.PEM))
	if err != nil {
		return nil, errors.WithMessage(err, fmt.Sprintf("Invalid certificate stored for serial %s", hex))
	}

	record := &cmc.CertRecord{
		Serial:      cert.SerialNumber,
		Subject:     rec.Subject,
		Certificate: cert.Raw,
		Revoked:     rec.Status == dbutil.CertStatusRevoked,
		Reason:      rec.Reason,
	}
	if rec.RevokedAt.Valid {
		record.RevokedAt = rec.RevokedAt.Time
	}
	return record, nil
}

// DBSecretProviderName is the registry name of DBSecretProvider
const DBSecretProviderName = "db"

// DBSecretProvider reads revocation shared secrets from the shared_secrets table
type DBSecretProvider struct {
	db dbutil.CMCDB
}

// NewDBSecretProvider returns a shared secret provider backed by db
func NewDBSecretProvider(db dbutil.CMCDB) *DBSecretProvider {
	return &DBSecretProvider{db: db}
}

// GetSharedSecret returns the secret on file for serial, or nil if there is none
func (p *DBSecretProvider) GetSharedSecret(ctx context.Context, serial *big.Int) ([]byte, error) {
	if p.db == nil {
		return nil, errors.New("Failed to correctly setup database connection")
	}

	hex := util.GetSerialAsHex(serial)
	var rec dbutil.SharedSecretRecord
	err := p.db.Get(&rec, p.db.Rebind(fmt.Sprintf(getSharedSecretSQL, sqlstruct.Columns(dbutil.SharedSecretRecord{}))), hex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to get shared secret for serial %s: %s", hex, err)
	}
	return []byte(rec.Secret), nil
}

func doTransaction(db dbutil.CMCDB, doit func(tx *sqlx.Tx, args ...interface{}) (interface{}, error), args ...interface{}) (interface{}, error) {
	if db == nil {
		return nil, errors.New("Failed to correctly setup database connection")
	}

	tx, err := db.Beginx()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to begin transaction")
	}
	result, err := doit(tx, args...)
	if err != nil {
		err2 := tx.Rollback()
		if err2 != nil {
			log.Errorf("Error encountered while rolling back transaction: %s", err2)
			return nil, err
		}
		return nil, err
	}

	err = tx.Commit()
	if err != nil {
		return nil, errors.Wrap(err, "Error encountered while committing transaction")
	}

	return result, nil
}

func getError(err error, notFound int, kind, key string) error {
	if err == sql.ErrNoRows {
		return caerrors.NewLookupError(notFound, "%s %s not found", kind, key)
	}
	return caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to get %s %s: %s", kind, key, err)
}
