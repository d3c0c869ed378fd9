package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/rkcloudchain/cmcresponder/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion(t *testing.T) {
	err := runMain([]string{cmdName, "version"})
	assert.NoError(t, err)
}

func TestUnknownCommand(t *testing.T) {
	err := runMain([]string{cmdName, "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestCommandHelp(t *testing.T) {
	s := NewCommand("start")
	assert.Contains(t, s.rootCmd.Long, "PKIResponse")

	cmds := map[string]string{}
	for _, c := range s.rootCmd.Commands() {
		cmds[c.Name()] = c.Long
	}
	assert.Contains(t, cmds["init"], "audit_log")
	assert.Contains(t, cmds["start"], "/api/v1/cmc/response")
	assert.Contains(t, cmds["start"], "cmc.queuetimeout")
	assert.NotNil(t, s.rootCmd.PersistentFlags().Lookup("cmc.queuetimeout"))
}

func TestInitRequiresDatasource(t *testing.T) {
	home := t.TempDir()
	err := runMain([]string{cmdName, "init", "-H", home})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "datasource")
	assert.NoFileExists(t, filepath.Join(home, cmdName+"-config.yaml"))
}

func TestInitExtraArgs(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "mysql", "root:pw@tcp(localhost:3306)/cmc?parseTime=true")

	err := runMain([]string{cmdName, "init", "-H", home, "extra"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unrecognized arguments")
}

func TestBadConfigFile(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("port: [8054\n"), 0644))

	err := runMain([]string{cmdName, "start", "-c", bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
}

func TestDefaultConfigFile(t *testing.T) {
	home := t.TempDir()
	file := writeConfig(t, home, "postgres", "host=localhost port=5432 dbname=cmc sslmode=disable")

	cfg := new(config.ServerConfig)
	require.NoError(t, config.UnmarshalConfig(cfg, viper.New(), file))
	assert.Equal(t, 8054, cfg.Port)
	assert.Equal(t, "postgres", cfg.DB.Type)
	assert.Equal(t, "host=localhost port=5432 dbname=cmc sslmode=disable", cfg.DB.Datasource)
	assert.Equal(t, "ca-key.pem", cfg.CA.Keyfile)
	assert.True(t, cfg.CMC.RevokeVerifySignature)
	assert.False(t, cfg.CMC.LenientReasonCodes)
	assert.Equal(t, 30*time.Second, cfg.CMC.QueueTimeout)
	assert.Equal(t, "db", cfg.CMC.SharedSecret.Provider)
}

func TestValidateAndReturnAbsConf(t *testing.T) {
	os.Unsetenv("CMC_RESPONDER_HOME")
	os.Unsetenv("CA_CFG_PATH")

	file, home, err := validateAndReturnAbsConf("", "")
	require.NoError(t, err)
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, home)
	assert.Equal(t, filepath.Join(wd, cmdName+"-config.yaml"), file)

	dir := t.TempDir()
	file, home, err = validateAndReturnAbsConf(filepath.Join(dir, "cfg.yaml"), "/tmp/ignored")
	require.NoError(t, err)
	assert.Equal(t, dir, home)
	assert.Equal(t, filepath.Join(dir, "cfg.yaml"), file)

	file, home, err = validateAndReturnAbsConf("", dir)
	require.NoError(t, err)
	assert.Equal(t, dir, home)
	assert.Equal(t, filepath.Join(dir, cmdName+"-config.yaml"), file)
}

func TestDefaultConfigFileEnv(t *testing.T) {
	t.Setenv("CMC_RESPONDER_HOME", "/etc/cmc")
	assert.Equal(t, "/etc/cmc/cmc-responder-config.yaml", defaultConfigFile())
}

func TestSetLogLevel(t *testing.T) {
	defer setLogLevel("info")

	levels := map[string]int{
		"debug":    log.LevelDebug,
		"WARNING":  log.LevelWarning,
		"error":    log.LevelError,
		"critical": log.LevelCritical,
		"fatal":    log.LevelFatal,
		"bogus":    log.LevelInfo,
	}
	for name, level := range levels {
		setLogLevel(name)
		assert.Equal(t, level, log.Level, name)
	}
}

func writeConfig(t *testing.T, home, dbType, datasource string) string {
	s := NewCommand("init")
	s.cfgFileName = filepath.Join(home, cmdName+"-config.yaml")
	s.v.Set("db.type", dbType)
	s.v.Set("db.datasource", datasource)
	require.NoError(t, s.createDefaultConfigFile())
	return s.cfgFileName
}
