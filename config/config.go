// Package config loads process settings from the environment and the camera
// list from a YAML file.
package config

import (
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	"github.com/zsiec/nexusrelay/device"
)

// Prefix is the environment variable prefix for every setting.
const Prefix = "nexusrelay"

// Config holds the process settings.
type Config struct {
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9464"`
	// ResourceDir holds the placeholder clips.
	ResourceDir string `envconfig:"RESOURCE_DIR" default:"res"`
	// RecordDir receives record sink files. Empty disables recording.
	RecordDir  string `envconfig:"RECORD_DIR"`
	DeviceFile string `envconfig:"DEVICE_FILE" required:"true"`

	StallTimeout    time.Duration `envconfig:"STALL_TIMEOUT" default:"10s"`
	PingInterval    time.Duration `envconfig:"PING_INTERVAL" default:"15s"`
	TalkbackSilence time.Duration `envconfig:"TALKBACK_SILENCE" default:"1s"`
	Retention       time.Duration `envconfig:"RETENTION" default:"5s"`
	Tick            time.Duration `envconfig:"TICK" default:"10ms"`
}

// Load reads NEXUSRELAY_* variables.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process(Prefix, &c); err != nil {
		return Config{}, errors.Wrap(err, "process env config")
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	for name, d := range map[string]time.Duration{
		"stall timeout":    c.StallTimeout,
		"ping interval":    c.PingInterval,
		"talkback silence": c.TalkbackSilence,
		"retention":        c.Retention,
		"tick":             c.Tick,
	} {
		if d <= 0 {
			return errors.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	return nil
}

// Device is one camera entry in the device file.
type Device struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Token         string `yaml:"token"`
	AccountType   string `yaml:"account_type"`
	StreamingHost string `yaml:"streaming_host"`
	AudioEnabled  bool   `yaml:"audio_enabled"`
	// SRTPush is an optional srt:// style host:port that receives the live
	// video stream.
	SRTPush string `yaml:"srt_push"`
	// SRTStreamID is sent as the SRT stream id when pushing.
	SRTStreamID string `yaml:"srt_stream_id"`
	Record      bool   `yaml:"record"`
}

// Data converts the entry into the snapshot a relay runs on. Configured
// cameras are assumed online with streaming enabled.
func (d Device) Data() device.Data {
	return device.Data{
		ID:               d.ID,
		Name:             d.Name,
		Token:            d.Token,
		Account:          device.ParseAccount(d.AccountType),
		StreamingHost:    d.StreamingHost,
		Online:           true,
		StreamingEnabled: true,
		AudioEnabled:     d.AudioEnabled,
	}
}

type deviceFile struct {
	Devices []Device `yaml:"devices"`
}

// LoadDevices reads and validates the device file at path.
func LoadDevices(path string) ([]Device, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read device file")
	}
	devices, err := ParseDevices(b)
	if err != nil {
		return nil, errors.Wrapf(err, "device file %s", path)
	}
	return devices, nil
}

// ParseDevices decodes a YAML device list.
func ParseDevices(b []byte) ([]Device, error) {
	var f deviceFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "decode yaml")
	}
	seen := make(map[string]bool, len(f.Devices))
	for i, d := range f.Devices {
		switch {
		case d.ID == "":
			return nil, errors.Errorf("device %d: id is required", i)
		case seen[d.ID]:
			return nil, errors.Errorf("device %q: duplicate id", d.ID)
		case d.Token == "":
			return nil, errors.Errorf("device %q: token is required", d.ID)
		case d.StreamingHost == "":
			return nil, errors.Errorf("device %q: streaming_host is required", d.ID)
		}
		switch d.AccountType {
		case "", "nest", "google":
		default:
			return nil, errors.Errorf("device %q: unknown account_type %q", d.ID, d.AccountType)
		}
		seen[d.ID] = true
	}
	return f.Devices, nil
}
