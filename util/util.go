package util

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
)

// FileExists checks to see if a file exists.
func FileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// MakeFileNamesAbsolute makes all file names in the list absolute, relative to home
func MakeFileNamesAbsolute(files []*string, home string) error {
	for _, filePtr := range files {
		abs, err := MakeFileAbs(*filePtr, home)
		if err != nil {
			return err
		}
		*filePtr = abs
	}
	return nil
}

// MakeFileAbs makes 'file' absolute relative to 'dir' if not already absolute
func MakeFileAbs(file, dir string) (string, error) {
	if file == "" {
		return "", nil
	}
	if filepath.IsAbs(file) {
		return file, nil
	}
	path, err := filepath.Abs(filepath.Join(dir, file))
	if err != nil {
		return "", errors.Wrapf(err, "Failed making '%s' absolute based on '%s'", file, dir)
	}
	return path, nil
}

// GetX509CertificateFromPEM get on x509 certificate from bytes in PEM format
func GetX509CertificateFromPEM(cert []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(cert)
	if block == nil {
		return nil, errors.New("Failed to PEM decode certificate")
	}
	x509Cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "Error parsing certificate")
	}
	return x509Cert, nil
}

// URLRegex is the regular expression to check if a value is an URL
var URLRegex = regexp.MustCompile("(http)s*://(\\S+):(\\S+)@")

// DataSourceRegex masks the password of a key/value or user:pass@ data source
var DataSourceRegex = regexp.MustCompile("(password=)(\\S+)|(\\S+):(\\S+)@")

// GetMaskedURL returns masked URL. It masks username and password from the URL if present
func GetMaskedURL(url string) string {
	matches := URLRegex.FindStringSubmatch(url)
	if len(matches) == 4 {
		matchIdxs := URLRegex.FindStringSubmatchIndex(url)
		matchStr := url[matchIdxs[0]:matchIdxs[1]]
		for idx := 2; idx < len(matches); idx++ {
			if matches[idx] != "" {
				matchStr = strings.Replace(matchStr, matches[idx], "****", 1)
			}
		}
		url = url[:matchIdxs[0]] + matchStr + url[matchIdxs[1]:]
	}
	return url
}

// MaskDataSource hides the credentials of a database data source
func MaskDataSource(datasource string) string {
	return DataSourceRegex.ReplaceAllStringFunc(datasource, func(m string) string {
		if strings.HasPrefix(m, "password=") {
			return "password=****"
		}
		return "****:****@"
	})
}

// GetSerialAsHex returns the serial number from certificate as hex format
func GetSerialAsHex(serial *big.Int) string {
	hex := fmt.Sprintf("%x", serial)
	return hex
}

// ParseSerialHex parses a hex encoded certificate serial number
func ParseSerialHex(hex string) (*big.Int, error) {
	serial, ok := new(big.Int).SetString(strings.TrimPrefix(strings.ToLower(hex), "0x"), 16)
	if !ok {
		return nil, errors.Errorf("Invalid serial number '%s'", hex)
	}
	return serial, nil
}

// Fatal logs fatal message and exists
func Fatal(format string, v ...interface{}) {
	log.Fatalf(format, v...)
	os.Exit(1)
}
