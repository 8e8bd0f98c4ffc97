package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/rdmakit/ibcore/internal/ibdev"
	"github.com/rdmakit/ibcore/internal/sysinfo"
)

// GIDIndexAuto selects the default GID table entry.
const GIDIndexAuto = -1

// Config holds configuration for the IB device layer
type Config struct {
	LogLevel        string
	CollectorAddr   string
	GIDIndex        int
	SubnetFilter    uint64
	SubnetFilterSet bool
	ECEEnabled      bool
	AsyncEvents     bool
	CustomSpecs     []ibdev.DeviceSpec
}

// DeviceOptions converts the loaded configuration into per-device
// options.
func (c *Config) DeviceOptions() ibdev.Options {
	return ibdev.Options{
		GIDIndex:          c.GIDIndex,
		CheckSubnetFilter: c.SubnetFilterSet,
		SubnetFilter:      c.SubnetFilter,
		CustomSpecs:       c.CustomSpecs,
		ECEEnabled:        c.ECEEnabled,
		AsyncEvents:       c.AsyncEvents,
	}
}

// Load loads the device layer configuration from a file or environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("collector_addr", "")
	v.SetDefault("gid_index", "auto")
	v.SetDefault("subnet_filter", "")
	v.SetDefault("ece_enabled", true)
	v.SetDefault("async_events", true)
	v.SetDefault("custom_specs", []string{})

	// Environment variables
	v.SetEnvPrefix("IBCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in default locations
		v.SetConfigName("ibcore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ibcore")
		v.AddConfigPath("/etc/ibcore")
	}

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, but other errors should be handled
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	config.LogLevel = v.GetString("log_level")
	config.CollectorAddr = v.GetString("collector_addr")
	config.ECEEnabled = v.GetBool("ece_enabled")
	config.AsyncEvents = v.GetBool("async_events")

	gidIndex, err := parseGIDIndex(v.GetString("gid_index"))
	if err != nil {
		return nil, err
	}
	config.GIDIndex = gidIndex

	if s := v.GetString("subnet_filter"); s != "" {
		filter, err := parseSubnetFilter(s)
		if err != nil {
			return nil, err
		}
		config.SubnetFilter = filter
		config.SubnetFilterSet = true
	}

	specs, err := parseCustomSpecs(v.GetStringSlice("custom_specs"))
	if err != nil {
		return nil, err
	}
	config.CustomSpecs = specs

	return &config, nil
}

// parseGIDIndex accepts "auto" or a non-negative table index.
func parseGIDIndex(s string) (int, error) {
	if strings.EqualFold(strings.TrimSpace(s), "auto") {
		return GIDIndexAuto, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid gid_index %q: expected \"auto\" or a non-negative integer", s)
	}
	return n, nil
}

// parseSubnetFilter accepts a 64-bit subnet prefix in hex, with or
// without a 0x prefix.
func parseSubnetFilter(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	filter, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid subnet_filter %q: %w", s, err)
	}
	return filter, nil
}

// parseCustomSpecs parses "vendor:device[:name[:priority]]" entries,
// e.g. "0x15b3:0x1021:ConnectX-7 custom:60". Vendor and device are hex,
// with or without the 0x prefix.
func parseCustomSpecs(entries []string) ([]ibdev.DeviceSpec, error) {
	specs := make([]ibdev.DeviceSpec, 0, len(entries))
	for _, entry := range entries {
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 4 {
			return nil, fmt.Errorf("invalid custom spec %q: expected vendor:device[:name[:priority]]", entry)
		}
		vendor, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid custom spec vendor in %q: %w", entry, err)
		}
		device, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid custom spec device in %q: %w", entry, err)
		}
		spec := ibdev.DeviceSpec{
			Name: fmt.Sprintf("Custom device 0x%04x:0x%04x", vendor, device),
			PCIID: sysinfo.PCIID{
				Vendor: uint16(vendor),
				Device: uint16(device),
			},
		}
		if len(parts) >= 3 && parts[2] != "" {
			spec.Name = parts[2]
		}
		if len(parts) == 4 {
			prio, err := strconv.Atoi(parts[3])
			if err != nil {
				return nil, fmt.Errorf("invalid custom spec priority in %q: %w", entry, err)
			}
			spec.Priority = prio
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// CreateDefault creates a default configuration file
func CreateDefault(path string) error {
	// Default config content
	configContent := `# ibcore Device Layer Configuration
log_level: "info" # debug, info, warn, error
collector_addr: "" # OTLP gRPC metrics collector, empty disables telemetry
gid_index: "auto" # GID table index for port checks, or "auto"
subnet_filter: "" # 64-bit IB subnet prefix in hex, empty disables filtering
ece_enabled: true
async_events: true
custom_specs: [] # entries of the form vendor:device[:name[:priority]]
`

	return writeConfigFile(path, configContent)
}
