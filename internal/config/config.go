// Package config loads the daemon's INI configuration file into an explicit
// Config struct, replacing dynamic section access with named fields and a
// required-key check performed once at startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/metno/syncer/internal/registry"
)

// Config is the fully parsed, validated configuration for one daemon
// instance: the [syncer], [productstatus], [wdb] and [wdb2ts] sections plus
// the resulting model registry built from every [model_<key>] section.
type Config struct {
	StateDatabaseFile string

	ProductStatusURL        string
	ProductStatusVerifySSL  bool
	MaxHeartbeatDelay       time.Duration // 0 disables the heartbeat watchdog

	WDBHost string
	WDBUser string

	WDB2TSBaseURL  string
	WDB2TSServices []string

	Registry *registry.Registry
}

// Load reads and validates the INI file at path.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg := &Config{Registry: registry.New()}

	syncerSection, err := file.GetSection("syncer")
	if err != nil {
		return nil, fmt.Errorf("missing [syncer] section: %w", err)
	}
	modelKeysRaw := syncerSection.Key("models").String()
	if modelKeysRaw == "" {
		return nil, fmt.Errorf("[syncer] models must list at least one model key")
	}
	cfg.StateDatabaseFile = syncerSection.Key("state_database_file").String()
	if cfg.StateDatabaseFile == "" {
		return nil, fmt.Errorf("[syncer] state_database_file is required")
	}

	psSection, err := file.GetSection("productstatus")
	if err != nil {
		return nil, fmt.Errorf("missing [productstatus] section: %w", err)
	}
	cfg.ProductStatusURL = psSection.Key("url").String()
	if cfg.ProductStatusURL == "" {
		return nil, fmt.Errorf("[productstatus] url is required")
	}
	cfg.ProductStatusVerifySSL = psSection.Key("verify_ssl").MustBool(true)
	if psSection.HasKey("max_heartbeat_delay") {
		minutes := psSection.Key("max_heartbeat_delay").MustInt(0)
		if minutes > 0 {
			cfg.MaxHeartbeatDelay = time.Duration(minutes) * time.Minute
		}
	}

	wdbSection, err := file.GetSection("wdb")
	if err != nil {
		return nil, fmt.Errorf("missing [wdb] section: %w", err)
	}
	cfg.WDBHost = wdbSection.Key("host").String()
	cfg.WDBUser = wdbSection.Key("user").String()
	if cfg.WDBHost == "" {
		return nil, fmt.Errorf("[wdb] host is required")
	}

	wdb2tsSection, err := file.GetSection("wdb2ts")
	if err != nil {
		return nil, fmt.Errorf("missing [wdb2ts] section: %w", err)
	}
	cfg.WDB2TSBaseURL = wdb2tsSection.Key("base_url").String()
	if cfg.WDB2TSBaseURL == "" {
		return nil, fmt.Errorf("[wdb2ts] base_url is required")
	}
	cfg.WDB2TSServices = splitCSV(wdb2tsSection.Key("services").String())
	if len(cfg.WDB2TSServices) == 0 {
		return nil, fmt.Errorf("[wdb2ts] services must list at least one service")
	}

	for _, key := range splitCSV(modelKeysRaw) {
		sectionName := "model_" + key
		section, err := file.GetSection(sectionName)
		if err != nil {
			return nil, fmt.Errorf("models lists %q but [%s] section is missing: %w", key, sectionName, err)
		}
		mc, err := registry.FromSection(key, section)
		if err != nil {
			return nil, err
		}
		if err := cfg.Registry.Add(mc); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field != "" {
			out = append(out, field)
		}
	}
	return out
}
