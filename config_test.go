package tether_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/tether"
	"github.com/outofforest/tether/wire"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "tether.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	requireT := require.New(t)

	config, err := tether.LoadConfig(writeConfig(t, `
retry_interval = "250ms"
max_retries = 5
heartbeat_interval = "-1s"
max_multi_size = 1024
multi_chunk_size = 512
`))
	requireT.NoError(err)

	expected := tether.DefaultConfig()
	expected.RetryInterval = 250 * time.Millisecond
	expected.MaxRetries = 5
	expected.HeartbeatInterval = -time.Second
	expected.MaxMultiSize = 1024
	expected.MultiChunkSize = 512
	requireT.Equal(expected, config)
}

func TestLoadEmptyConfig(t *testing.T) {
	requireT := require.New(t)

	config, err := tether.LoadConfig(writeConfig(t, ""))
	requireT.NoError(err)
	requireT.Equal(tether.DefaultConfig(), config)
	requireT.Equal(wire.MultiPayloadCapacity, config.MultiChunkSize)
}

func TestLoadConfigAcceptsPayloadSizeLimit(t *testing.T) {
	requireT := require.New(t)

	config, err := tether.LoadConfig(writeConfig(t, `
max_single_payload = 2147483647
max_multi_size = 2147483647
`))
	requireT.NoError(err)
	requireT.EqualValues(wire.MaxPayloadSize, config.MaxSinglePayload)
	requireT.EqualValues(wire.MaxPayloadSize, config.MaxMultiSize)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := map[string]string{
		"invalid duration":  `tick_interval = "soon"`,
		"chunk too large":   `multi_chunk_size = 4096`,
		"chunk empty":       `multi_chunk_size = 0`,
		"invalid toml":      `retry_interval = `,
		"payload too large": `max_single_payload = 9223372036854775807`,
		"multi too large":   `max_multi_size = 2147483648`,
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := tether.LoadConfig(writeConfig(t, content))
			require.Error(t, err)
		})
	}

	_, err := tether.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
