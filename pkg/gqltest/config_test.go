package gqltest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
path: /api/graphql
protocol: graphql-ws
handshakeTimeout: 2s
writeTimeout: 1s
subscribeGrace: 50ms
log:
  level: debug
  format: json
`))
	require.NoError(t, err)

	opts, err := cfg.Options()
	require.NoError(t, err)

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	assert.Equal(t, "/api/graphql", o.path)
	assert.Equal(t, ProtocolLegacyWS, o.protocol)
	assert.Equal(t, 2*time.Second, o.handshakeTimeout)
	assert.Equal(t, time.Second, o.writeTimeout)
	assert.Equal(t, 50*time.Millisecond, o.subscribeGrace)
	assert.NotNil(t, o.log)
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{}`))
	require.NoError(t, err)

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.Empty(t, opts)

	client := New(nil, opts...)
	assert.Equal(t, DefaultPath, client.opts.path)
	assert.Equal(t, ProtocolTransportWS, client.opts.protocol)
	assert.Equal(t, DefaultHandshakeTimeout, client.opts.handshakeTimeout)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "path: [unclosed"},
		{"unknown protocol", "protocol: sse"},
		{"bad duration", "handshakeTimeout: soon"},
		{"negative duration", "writeTimeout: -1s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gqltest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("path: /gql\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/gql", cfg.Path)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}
