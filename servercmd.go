package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/cmcresponder/config"
	"github.com/rkcloudchain/cmcresponder/metadata"
	"github.com/rkcloudchain/cmcresponder/server"
	"github.com/rkcloudchain/cmcresponder/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	version = "version"
)

// ServerCmd encapsulates cobra command that provides command line interface
// for the CMC response server
type ServerCmd struct {
	name          string
	rootCmd       *cobra.Command
	v             *viper.Viper
	cfgFileName   string
	homeDirectory string
	cfg           *config.ServerConfig
}

// NewCommand returns new ServerCmd ready for running
func NewCommand(name string) *ServerCmd {
	s := &ServerCmd{
		name: name,
		v:    viper.New(),
	}
	s.init()
	return s
}

// Execute runs this ServerCmd
func (s *ServerCmd) Execute() error {
	return s.rootCmd.Execute()
}

const (
	rootLong = `cmc-responder answers Certificate Management over CMS requests on behalf
of a single issuing CA. It turns enrollment outcomes and CMC controls into
signed PKIResponse messages. Revoke requests are executed against the
certificate database and recorded in an audit log.`

	initLong = `Load the CA certificate, chain and signing key named in the ca section and
check that they match, then connect to the database and create the
certificates, requests, shared_secrets and audit_log tables if they are
missing. A default configuration file is written on first use.`

	startLong = `Initialize as the init command does, start the revocation queue worker
and serve the CMC endpoints:

  POST /api/v1/cmc/response   build a full or simple PKIResponse
  GET  /api/v1/cainfo         the signing CA certificate and chain
  GET  /metrics               Prometheus metrics

Revoke request controls are executed through the revocation queue and
those that do not complete within cmc.queuetimeout are answered with a
FAILED status.`
)

func (s *ServerCmd) init() {
	s.rootCmd = &cobra.Command{
		Use:               cmdName,
		Short:             longName,
		Long:              rootLong,
		PersistentPreRunE: s.preRun,
	}
	s.rootCmd.AddCommand(s.newInitCmd(), s.newStartCmd(), s.newVersionCmd())
	s.registerFlags()
}

// preRun loads the configuration before any subcommand runs
func (s *ServerCmd) preRun(cmd *cobra.Command, args []string) error {
	err := s.configInit()
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	if s.v.GetBool("debug") {
		log.Level = log.LevelDebug
	}
	return nil
}

func (s *ServerCmd) newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Check the CA key material and create the responder's database tables",
		Long:    initLong,
		Example: fmt.Sprintf("  %s init -t sqlite3 -s cmc.db", cmdName),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.Errorf(extraArgsError, args, c.UsageString())
		}
		err := s.getServer().Init()
		if err != nil {
			util.Fatal("Initialization failure: %s", err)
		}
		log.Info("CA key material and database are ready")
		return nil
	}
	return cmd
}

func (s *ServerCmd) newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Short:   fmt.Sprintf("Start the %s and its revocation queue", shortName),
		Long:    startLong,
		Example: fmt.Sprintf("  %s start -p 8054 --cmc.queuetimeout 10s", cmdName),
	}
	cmd.RunE = func(c *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.Errorf(extraArgsError, args, c.UsageString())
		}
		return s.getServer().Start()
	}
	return cmd
}

func (s *ServerCmd) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints cmc-responder server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(metadata.GetVersionInfo(cmdName))
		},
	}
}

// registers command flags with viper
func (s *ServerCmd) registerFlags() {
	cfg := defaultConfigFile()

	s.v.SetEnvPrefix(envVarPrefix)
	s.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	pflags := s.rootCmd.PersistentFlags()
	pflags.StringVarP(&s.cfgFileName, "config", "c", "", "Configuration file")
	pflags.MarkHidden("config")
	pflags.StringVarP(&s.homeDirectory, "home", "H", "", fmt.Sprintf("Server's home directory (default \"%s\")", filepath.Dir(cfg)))

	s.cfg = &config.ServerConfig{}
	err := util.RegisterFlags(s.v, pflags, s.cfg)
	if err != nil {
		panic(err)
	}
}

// Configuration file is not required for some commands like version
func (s *ServerCmd) configRequired() bool {
	return s.name != version
}

// getServer returns a server.Server for the init and start commands
func (s *ServerCmd) getServer() *server.Server {
	return &server.Server{
		HomeDir:       s.homeDirectory,
		Config:        s.cfg,
		BlockingStart: true,
	}
}
