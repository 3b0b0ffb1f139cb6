// Package config reads the controller configuration.
//
// Configuration goes through three steps: the site-wide configuration file
// is read first, then an optional override file, and finally explicit
// "section.name=value" parameters (typically from the command line). Later
// steps win over earlier ones.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/orcharddb/warden/infrastructure/errors"
)

// SiteConfig is the default location of the site-wide configuration file.
const SiteConfig = "/etc/warden/main.cfg"

// Defaults for every option the controller reads. Values are strings and
// are parsed by the typed getters so file values and defaults are
// interpreted identically.
var defaults = map[string]string{
	"protocol.rpc.address":                 "localhost:32274",
	"protocol.rpc.threads":                 "5",
	"executor.workers":                     "5",
	"executor.procedure_retention":         "24h",
	"failure_detector.period":              "1s",
	"failure_detector.failures_to_suspect": "1",
	"failure_detector.failures_to_down":    "2",
	"failure_detector.probe_timeout":       "3s",
	"storage.address":                      "localhost:3306",
	"storage.user":                         "warden",
	"storage.password":                     "",
	"storage.database":                     "warden",
	"storage.connect_timeout":              "10s",
	"logging.level":                        "info",
	"logging.format":                       "text",
}

// Config holds the merged configuration as full dotted option names.
type Config struct {
	values map[string]string
}

// New returns a configuration holding only the built-in defaults.
func New() *Config {
	cfg := &Config{values: make(map[string]string, len(defaults))}
	for key, value := range defaults {
		cfg.values[key] = value
	}
	return cfg
}

// Load reads the site configuration file and an optional override file and
// applies explicit parameters on top. Either file name may be empty; a
// missing site file is an error unless ignoreSite is set.
func Load(siteFile, overrideFile string, params []string, ignoreSite bool) (*Config, error) {
	cfg := New()

	if siteFile != "" {
		if err := cfg.mergeFile(siteFile); err != nil {
			if !ignoreSite {
				return nil, err
			}
		}
	}
	if overrideFile != "" {
		if err := cfg.mergeFile(overrideFile); err != nil {
			return nil, err
		}
	}
	for _, param := range params {
		if err := cfg.mergeParam(param); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// mergeFile loads an INI file whose section headers are the leading
// components of the option name, e.g.
//
//	[failure_detector]
//	period = 2s
func (c *Config) mergeFile(name string) error {
	file, err := ini.Load(name)
	if err != nil {
		return errors.Wrap(errors.KindConfiguration, err, "reading configuration file (%s)", name)
	}
	for _, section := range file.Sections() {
		prefix := ""
		if section.Name() != ini.DefaultSection {
			prefix = section.Name() + "."
		}
		for _, key := range section.Keys() {
			c.values[normalize(prefix+key.Name())] = key.Value()
		}
	}
	return nil
}

// mergeParam applies a single "section.subsection.name=value" parameter.
func (c *Config) mergeParam(param string) error {
	option, value, found := strings.Cut(param, "=")
	option = strings.TrimSpace(option)
	if !found || option == "" || !strings.Contains(option, ".") {
		return errors.Configuration("malformed parameter (%s), expected section.name=value", param)
	}
	c.values[normalize(option)] = strings.TrimSpace(value)
	return nil
}

// normalize maps legacy option names onto their current equivalents so old
// deployment tooling keeps working.
func normalize(option string) string {
	if rest, ok := strings.CutPrefix(option, "protocol.xmlrpc."); ok {
		return "protocol.rpc." + rest
	}
	return option
}

// Set overrides a single option. Mostly useful in tests.
func (c *Config) Set(option, value string) {
	c.values[normalize(option)] = value
}

// GetString returns the value of an option or the empty string.
func (c *Config) GetString(option string) string {
	return c.values[normalize(option)]
}

// GetInt returns the integer value of an option.
func (c *Config) GetInt(option string) (int, error) {
	raw := c.GetString(option)
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, errors.Configuration("option (%s) has non-integer value (%s)", option, raw)
	}
	return value, nil
}

// GetDuration returns the duration value of an option. Bare numbers are
// interpreted as seconds.
func (c *Config) GetDuration(option string) (time.Duration, error) {
	raw := strings.TrimSpace(c.GetString(option))
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Configuration("option (%s) has non-duration value (%s)", option, raw)
	}
	return value, nil
}

// StorageDSN assembles the driver DSN for the persistence store.
func (c *Config) StorageDSN() string {
	timeout := c.GetString("storage.connect_timeout")
	if timeout == "" {
		timeout = "10s"
	}
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&timeout=%s&multiStatements=true",
		c.GetString("storage.user"),
		c.GetString("storage.password"),
		c.GetString("storage.address"),
		c.GetString("storage.database"),
		timeout,
	)
}
