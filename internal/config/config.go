// Package config implements the CLI & Config component: flag parsing
// with a JSON tuning-file overlay, matching the pointer-field/omitempty
// partial-override pattern used for runtime tuning elsewhere in this
// codebase's lineage.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the fully-resolved set of parameters the writer needs to
// start: ring-buffer key, paths, health multicast destination, and the
// optional ambient extras (admin surface, ledger, tuning overlay).
type Config struct {
	Key              string
	DestinationPath  string
	MetafitsPath     string
	HealthNetIface   string
	HealthIP         string
	HealthPort       int
	FileSizeLimit    int64
	AdminListen      string
	LedgerPath       string
	TuningConfigPath string
}

const defaultFileSizeLimit = int64(0) // 0 = unlimited

// Tuning is the JSON overlay schema: every field is a pointer so a
// partial file only overrides the values it names; fields left out of
// the JSON retain whatever the flags produced.
type Tuning struct {
	FileSizeLimit *int64  `json:"file_size_limit,omitempty"`
	HealthPort    *int    `json:"health_port,omitempty"`
	AdminListen   *string `json:"admin_listen,omitempty"`
	LedgerPath    *string `json:"ledger_path,omitempty"`
}

// Load parses args (excluding the program name) into a Config, then
// overlays a JSON tuning file if --tuning-config names a readable one.
// Missing required flags print usage and return an error; callers
// should exit(1) in that case, matching the upstream args.c contract.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("mwax-db2fits", flag.ContinueOnError)

	key := fs.String("key", "", "ring-buffer key (hex), required")
	destPath := fs.String("destination-path", "", "output directory for FITS files, required")
	metafitsPath := fs.String("metafits-path", "", "metafits directory, required")
	healthIface := fs.String("health-netiface", "", "network interface for health multicast, required")
	healthIP := fs.String("health-ip", "", "multicast group IPv4 address, required")
	healthPort := fs.Int("health-port", 0, "multicast UDP port, required")
	fileSizeLimit := fs.Int64("file-size-limit", defaultFileSizeLimit, "roll to a new file after this many bytes (0 = unlimited)")
	adminListen := fs.String("admin-listen", "", "optional HTTP listen address for the admin debug surface")
	ledgerPath := fs.String("ledger-path", "", "path to the observation ledger sqlite file (default <destination-path>/fitswriter.db)")
	tuningConfig := fs.String("tuning-config", "", "optional JSON tuning overlay file")
	showVersion := fs.Bool("version", false, "print version information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *showVersion {
		return nil, errVersionRequested
	}

	var missing []string
	if *key == "" {
		missing = append(missing, "--key")
	}
	if *destPath == "" {
		missing = append(missing, "--destination-path")
	}
	if *metafitsPath == "" {
		missing = append(missing, "--metafits-path")
	}
	if *healthIface == "" {
		missing = append(missing, "--health-netiface")
	}
	if *healthIP == "" {
		missing = append(missing, "--health-ip")
	}
	if *healthPort == 0 {
		missing = append(missing, "--health-port")
	}
	if len(missing) > 0 {
		fs.Usage()
		return nil, fmt.Errorf("config: missing required arguments: %v", missing)
	}

	cfg := &Config{
		Key:              *key,
		DestinationPath:  *destPath,
		MetafitsPath:     *metafitsPath,
		HealthNetIface:   *healthIface,
		HealthIP:         *healthIP,
		HealthPort:       *healthPort,
		FileSizeLimit:    *fileSizeLimit,
		AdminListen:      *adminListen,
		LedgerPath:       *ledgerPath,
		TuningConfigPath: *tuningConfig,
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = filepath.Join(cfg.DestinationPath, "fitswriter.db")
	}

	if cfg.TuningConfigPath != "" {
		if err := applyTuningOverlay(cfg, cfg.TuningConfigPath); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

var errVersionRequested = fmt.Errorf("config: version requested")

// IsVersionRequested reports whether err (from Load) indicates the
// caller asked for --version rather than a real configuration error.
func IsVersionRequested(err error) bool {
	return err == errVersionRequested
}

func applyTuningOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading tuning config %s: %w", path, err)
	}
	var t Tuning
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("config: parsing tuning config %s: %w", path, err)
	}
	if t.FileSizeLimit != nil {
		cfg.FileSizeLimit = *t.FileSizeLimit
	}
	if t.HealthPort != nil {
		cfg.HealthPort = *t.HealthPort
	}
	if t.AdminListen != nil {
		cfg.AdminListen = *t.AdminListen
	}
	if t.LedgerPath != nil {
		cfg.LedgerPath = *t.LedgerPath
	}
	return nil
}
