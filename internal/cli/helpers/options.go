package helpers

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/coral-mesh/jvmprof/internal/config"
	"github.com/coral-mesh/jvmprof/internal/logging"
)

// GlobalOptions are the flags shared by every command.
type GlobalOptions struct {
	ConfigPath string
	LogLevel   string
	LogJSON    bool
}

// AddFlags registers the global flags as persistent flags.
func (o *GlobalOptions) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.ConfigPath, "config", "", "Config file (default ~/.jvmprof/config.yaml)")
	flags.StringVar(&o.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.BoolVar(&o.LogJSON, "log-json", false, "Log as JSON instead of console output")
}

// Load reads the configuration and builds the logger it describes. The
// --log-level flag wins over the file and the environment.
func (o *GlobalOptions) Load() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.LogJSON {
		cfg.Logging.Pretty = false
	}

	logger := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Pretty:  cfg.Logging.Pretty,
		NoColor: os.Getenv("NO_COLOR") != "",
	})
	return cfg, logger, nil
}
