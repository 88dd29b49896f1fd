package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
store:
  host: localhost
  port: 5432
  db: agency
  username: agency
  password: secret
controller:
  bind_socket_path: /tmp/agency-controller.sock
  docker:
    nodes:
      - nodeName: node-a
        url: http://node-a:9000
        hardware:
          ram: 65536
broker:
  bind: ":8080"
trustee:
  url: http://trustee:8443
  username: agency
  password: secret
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_ParsesValidYAMLAndAppliesDefaults(t *testing.T) {
	path := writeConfig(t, validYAML)

	var cfg AppConfig
	require.NoError(t, Load(NewFile(path), &cfg))

	assert.Equal(t, "localhost", cfg.Store.Host)
	assert.Equal(t, "node-a", cfg.Controller.Docker.Nodes[0].NodeName)
	assert.Equal(t, 5, cfg.Controller.SchedulingIntervalSec, "default scheduling interval should apply when omitted")
	assert.Equal(t, 30, cfg.Controller.NodeTimeoutSec)
	assert.Equal(t, 5, cfg.Controller.MaxLaunchAttempts)
	assert.Equal(t, 2, cfg.Controller.RetryLimit)
	assert.Equal(t, 60, cfg.Broker.Auth.BlockWindowSec)
	assert.Equal(t, 3, cfg.Broker.Auth.BlockThreshold)
}

func TestLoad_RejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
store:
  host: localhost
controller:
  bind_socket_path: /tmp/agency-controller.sock
broker:
  bind: ":8080"
`)

	var cfg AppConfig
	err := Load(NewFile(path), &cfg)
	assert.Error(t, err)
}

func TestLoad_AcceptsMongoKeyAsStoreAlias(t *testing.T) {
	path := writeConfig(t, `
mongo:
  host: localhost
  port: 5432
  db: agency
  username: agency
  password: secret
controller:
  bind_socket_path: /tmp/agency-controller.sock
  docker:
    nodes:
      - nodeName: node-a
        url: http://node-a:9000
        hardware:
          ram: 65536
broker:
  bind: ":8080"
trustee:
  url: http://trustee:8443
  username: agency
  password: secret
`)

	var cfg AppConfig
	require.NoError(t, Load(NewFile(path), &cfg))
	assert.Equal(t, "localhost", cfg.Store.Host)
	assert.Equal(t, "agency", cfg.Store.DB)
}

func TestFile_Check_RejectsEmptyPath(t *testing.T) {
	f := NewFile("")
	assert.Error(t, f.Check())
}
