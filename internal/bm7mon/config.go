package bm7mon

import (
	"fmt"
	"os"
	"time"

	"github.com/derekpurdy/BM7/battery"
	"github.com/derekpurdy/BM7/codec"
	"github.com/spf13/viper"
)

const DefaultConfigFile = "/etc/bm7mon/config.yaml"

// Config is the top level service configuration, loaded from a YAML file.
type Config struct {
	MQTT    MQTTConfig     `mapstructure:"mqtt"`
	Devices []DeviceConfig `mapstructure:"devices"`
}

type MQTTConfig struct {
	Broker          string `mapstructure:"broker"`
	ClientID        string `mapstructure:"client-id"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	TopicPrefix     string `mapstructure:"topic-prefix"`
	DiscoveryPrefix string `mapstructure:"discovery-prefix"`
}

// DeviceConfig describes one monitor to poll and the battery it watches.
type DeviceConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
	Model   string `mapstructure:"model"`

	BatteryVoltage    string  `mapstructure:"battery-voltage"`
	BatteryType       string  `mapstructure:"battery-type"`
	Algorithm         string  `mapstructure:"algorithm"`
	TemperatureUnit   string  `mapstructure:"temperature-unit"`
	VoltageOffset     float64 `mapstructure:"voltage-offset"`
	TemperatureOffset float64 `mapstructure:"temperature-offset"`

	// Custom thresholds, only consulted when battery-type is "custom".
	Thresholds *ThresholdsConfig `mapstructure:"thresholds"`

	PollIntervalSeconds int `mapstructure:"poll-interval-seconds"`
	DebouncePolls       int `mapstructure:"debounce-polls"`
	UnavailableAfter    int `mapstructure:"unavailable-after"`
}

type ThresholdsConfig struct {
	DVRMin float64 `mapstructure:"dvr-min"`
	DVRMax float64 `mapstructure:"dvr-max"`
	CVRMin float64 `mapstructure:"cvr-min"`
	CVRMax float64 `mapstructure:"cvr-max"`
	SoDMin float64 `mapstructure:"sod-min"`
	SoDMax float64 `mapstructure:"sod-max"`
	SoCMin float64 `mapstructure:"soc-min"`
	SoCMax float64 `mapstructure:"soc-max"`
}

// ParseConfig reads and validates the config file. Every device entry is
// checked by building its battery profile, so a bad threshold set fails at
// startup rather than on the first poll.
func ParseConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("mqtt.client-id", "bm7mon")
	v.SetDefault("mqtt.topic-prefix", "bm7mon")
	v.SetDefault("mqtt.discovery-prefix", "homeassistant")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Credentials can come from the environment instead of the config file.
	if config.MQTT.Username == "" {
		config.MQTT.Username = os.Getenv("MQTT_USERNAME")
	}
	if config.MQTT.Password == "" {
		config.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	}

	if config.MQTT.Broker == "" {
		return nil, fmt.Errorf("config %s: mqtt.broker is required", path)
	}
	if len(config.Devices) == 0 {
		return nil, fmt.Errorf("config %s: at least one device is required", path)
	}

	seen := map[string]bool{}
	for i, d := range config.Devices {
		if d.Name == "" {
			return nil, fmt.Errorf("device %d: name is required", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("device %q: duplicate name", d.Name)
		}
		seen[d.Name] = true
		if d.Address == "" {
			return nil, fmt.Errorf("device %q: address is required", d.Name)
		}
		if _, err := codec.KeyFor(codec.Model(d.Model)); err != nil {
			return nil, fmt.Errorf("device %q: %w", d.Name, err)
		}
		if _, err := d.Profile(); err != nil {
			return nil, fmt.Errorf("device %q: %w", d.Name, err)
		}
	}
	return config, nil
}

// Profile builds the validated battery profile for this device.
func (d DeviceConfig) Profile() (*battery.Profile, error) {
	cfg := battery.Config{
		VoltageClass: battery.VoltageClass(d.BatteryVoltage),
		Chemistry:    battery.Chemistry(d.BatteryType),
		Algorithm:    battery.Algorithm(d.Algorithm),
		Calibration: battery.Calibration{
			VoltageOffset:     d.VoltageOffset,
			TemperatureOffset: d.TemperatureOffset,
		},
		TemperatureUnit: battery.TemperatureUnit(d.TemperatureUnit),
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = battery.AlgorithmDeviceReported
	}
	if t := d.Thresholds; t != nil {
		cfg.Thresholds = &battery.RangeSet{
			DVR: battery.VoltageRange{Min: t.DVRMin, Max: t.DVRMax},
			CVR: battery.VoltageRange{Min: t.CVRMin, Max: t.CVRMax},
			SoD: battery.VoltageRange{Min: t.SoDMin, Max: t.SoDMax},
			SoC: battery.VoltageRange{Min: t.SoCMin, Max: t.SoCMax},
		}
	}
	return battery.NewProfile(cfg)
}

// PollInterval returns the configured poll interval, or zero to use the
// coordinator default.
func (d DeviceConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds) * time.Second
}
