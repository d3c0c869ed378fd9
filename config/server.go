package config

// ServerConfig is the cmc-responder server's configuration
type ServerConfig struct {
	// Listening port for the server
	Port int `def:"8054" opt:"p" help:"Listening port of cmc-responder"`
	// Bind address for the server
	Address string `def:"0.0.0.0" help:"Listening address of cmc-responder"`
	// Enables debug logging
	Debug bool `def:"false" opt:"d" help:"Enable debug level logging" hide:"true"`
	// Sets the logging level on the server
	LogLevel string `help:"Set logging level (info, warning, debug, error, fatal, critical)"`
	// TLS for the server's listening endpoint
	TLS ServerTLSConfig
	// CA is the signing CA's key material
	CA CAInfo
	// DB is the database holding certificates, requests and audit records
	DB DBConfig
	// CMC holds the response engine policy
	CMC CMCConfig
}

// ServerTLSConfig defines key material for a TLS server
type ServerTLSConfig struct {
	Enabled    bool   `help:"Enable TLS on the listening port"`
	CertFile   string `def:"tls-cert.pem" help:"PEM-encoded TLS certificate file for server's listening port"`
	KeyFile    string `help:"PEM-encoded TLS key for server's listening port"`
	ClientAuth ClientAuth
}

// ClientAuth defines the key material needed to verify client certificates
type ClientAuth struct {
	Type      string   `def:"noclientcert" help:"Policy the server will follow for TLS Client Authentication."`
	CertFiles []string `help:"A list of comma-separated PEM-encoded trusted certificate files (e.g. root1.pem,root2.pem)"`
}

// CAInfo is the CA information on a cmc-responder
type CAInfo struct {
	Name      string `opt:"n" help:"Certificate Authority name"`
	Keyfile   string `help:"PEM-encoded CA key used for signing CMC responses"`
	Certfile  string `def:"ca-cert.pem" help:"PEM-encoded CA certificate file"`
	Chainfile string `def:"ca-chain.pem" help:"PEM-encoded CA chain file"`
}

// DBConfig is the database part of the server's config
type DBConfig struct {
	Type       string `def:"mysql" opt:"t" help:"Type of database; one of: mysql, postgres, sqlite3"`
	Datasource string `opt:"s" help:"Data source which is database specific"`
}
