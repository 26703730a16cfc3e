package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/e3-lab/beammon/internal/config"
	"github.com/e3-lab/beammon/internal/power"
)

// Settings are the daemon settings read from beammon.toml (or .yaml,
// .json), BEAMMON_* environment variables and flags, in increasing
// precedence.
type Settings struct {
	CommandAddr  string `mapstructure:"command_addr"`
	SnapshotAddr string `mapstructure:"snapshot_addr"`
	HTTPAddr     string `mapstructure:"http_addr"`

	Journal    string `mapstructure:"journal"`
	TuningFile string `mapstructure:"tuning_file"`

	Engine      string            `mapstructure:"engine"`
	PowerDevice string            `mapstructure:"power_device"`
	PowerSim    bool              `mapstructure:"power_sim"`
	Serial      power.PortOptions `mapstructure:"serial"`

	SimBeamRate float64 `mapstructure:"sim_beam_rate"`
	SimSeed     uint64  `mapstructure:"sim_seed"`
}

// flagKeys maps serve flags to config keys.
var flagKeys = map[string]string{
	"command-addr":  "command_addr",
	"snapshot-addr": "snapshot_addr",
	"http-addr":     "http_addr",
	"journal":       "journal",
	"tuning":        "tuning_file",
	"engine":        "engine",
	"power-device":  "power_device",
	"power-sim":     "power_sim",
	"baud":          "serial.baud_rate",
	"sim-beam-rate": "sim_beam_rate",
	"sim-seed":      "sim_seed",
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "Config file (default: beammon.* in /etc/beammon or .)")
	f.String("command-addr", ":5000", "Command channel listen address")
	f.String("snapshot-addr", ":5002", "Snapshot gRPC listen address")
	f.String("http-addr", ":8080", "HTTP listen address")
	f.String("journal", "beammon.db", "Journal database path (empty disables the journal)")
	f.String("tuning", "", "Detector tuning JSON file")
	f.String("engine", "sim", "Scan engine (sim)")
	f.String("power-device", "", "Serial device of the TTi power supply")
	f.Bool("power-sim", false, "Use a simulated power supply")
	f.Int("baud", 19200, "Power supply baud rate")
	f.Float64("sim-beam-rate", 20000, "Simulated in-spill hit rate (Hz)")
	f.Uint64("sim-seed", 1, "Simulator random seed")
}

// loadSettings reads the daemon settings. Without --config, beammon.* is
// searched in /etc/beammon and the working directory.
func loadSettings(cmd *cobra.Command) (Settings, error) {
	v := viper.New()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("beammon")
		v.AddConfigPath("/etc/beammon")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("BEAMMON")
	v.AutomaticEnv()

	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return Settings{}, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	return s, nil
}

// loadTuning returns the tuning file's config, or the defaults.
func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.DefaultTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}
