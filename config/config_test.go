package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/nexusrelay/device"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NEXUSRELAY_DEVICE_FILE", "devices.yaml")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9464", c.MetricsAddr)
	assert.Equal(t, "res", c.ResourceDir)
	assert.Empty(t, c.RecordDir)
	assert.Equal(t, 10*time.Second, c.StallTimeout)
	assert.Equal(t, time.Second, c.TalkbackSilence)
	assert.Equal(t, 5*time.Second, c.Retention)
	assert.Equal(t, 10*time.Millisecond, c.Tick)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("NEXUSRELAY_DEVICE_FILE", "devices.yaml")
	t.Setenv("NEXUSRELAY_STALL_TIMEOUT", "3s")
	t.Setenv("NEXUSRELAY_RECORD_DIR", "/tmp/rec")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, c.StallTimeout)
	assert.Equal(t, "/tmp/rec", c.RecordDir)
}

func TestLoadRequiresDeviceFile(t *testing.T) {
	t.Setenv("NEXUSRELAY_DEVICE_FILE", "")
	require.NoError(t, os.Unsetenv("NEXUSRELAY_DEVICE_FILE"))
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsNonPositiveDurations(t *testing.T) {
	t.Setenv("NEXUSRELAY_DEVICE_FILE", "devices.yaml")
	t.Setenv("NEXUSRELAY_TICK", "0s")
	_, err := Load()
	assert.ErrorContains(t, err, "tick")
}

const sampleDevices = `
devices:
  - id: cam-1
    name: Front Door
    token: abc
    streaming_host: stream-1.example.com
    audio_enabled: true
    srt_push: 127.0.0.1:9000
  - id: cam-2
    token: def
    account_type: google
    streaming_host: stream-2.example.com
    record: true
`

func TestParseDevices(t *testing.T) {
	t.Parallel()
	devices, err := ParseDevices([]byte(sampleDevices))
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "Front Door", devices[0].Name)
	assert.Equal(t, "127.0.0.1:9000", devices[0].SRTPush)
	assert.True(t, devices[1].Record)

	d := devices[1].Data()
	assert.Equal(t, device.AccountGoogle, d.Account)
	assert.True(t, d.Available())
	assert.Empty(t, d.Placeholder())
	assert.False(t, d.AudioEnabled)
	assert.True(t, devices[0].Data().AudioEnabled)
}

func TestParseDevicesValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing id", "devices:\n  - token: a\n    streaming_host: h\n", "id is required"},
		{"duplicate", "devices:\n  - {id: a, token: a, streaming_host: h}\n  - {id: a, token: b, streaming_host: h}\n", "duplicate"},
		{"missing token", "devices:\n  - {id: a, streaming_host: h}\n", "token"},
		{"missing host", "devices:\n  - {id: a, token: t}\n", "streaming_host"},
		{"bad account", "devices:\n  - {id: a, token: t, streaming_host: h, account_type: other}\n", "account_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDevices([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadDevicesFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDevices), 0o600))

	devices, err := LoadDevices(path)
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	_, err = LoadDevices(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
