// Package config loads and saves the on-disk configuration at
// ~/.virtdbg/config.yml. A missing file is created with commented
// defaults on first run; a broken file degrades to the zero config
// rather than aborting the session.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".virtdbg"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set
// through the config file. Command-line flags take precedence over
// every field here.
type Config struct {
	// LogLayers is the comma-separated list of log layers enabled by
	// default (xen,monitor,xenstore,ptwalk,session).
	LogLayers string `yaml:"log-layers"`

	// TranslationCacheSize bounds the per-domain address-translation
	// cache. Zero means the built-in default.
	TranslationCacheSize int `yaml:"translation-cache-size"`

	// XenbusPath overrides the xenbus device node used for metadata
	// lookups when set.
	XenbusPath string `yaml:"xenbus-path"`
}

// LoadConfig attempts to populate a Config object from the config.yml
// file. Every failure degrades to an empty config.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.\n", err)

		return &Config{}
	}

	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.\n", err)

		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v\n", err)

			return &Config{}
		}
	}
	defer f.Close()

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.\n", err)

		return &Config{}
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		fmt.Printf("Unable to decode config file: %v.\n", err)

		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	if err := createConfigPath(); err != nil {
		return err
	}

	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)

	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %w", err)
	}

	if err := writeDefaultConfig(f); err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %w", err)
	}

	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for virtdbg.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Log layers enabled by default, comma separated.
# Valid layers: xen, monitor, xenstore, ptwalk, session.
# log-layers: session

# Number of cached address translations kept per attached domain.
# translation-cache-size: 1024

# Override the xenbus device node used for guest-metadata lookups.
# xenbus-path: /dev/xen/xenbus
`)

	return err
}

func configHome() (string, error) {
	home := os.Getenv("HOME")
	if home == "" {
		u, err := user.Current()
		if err != nil {
			return "", err
		}

		home = u.HomeDir
	}

	return path.Join(home, configDir), nil
}

func createConfigPath() error {
	dir, err := configHome()
	if err != nil {
		return err
	}

	return os.MkdirAll(dir, 0o700)
}

// GetConfigFilePath gets the full path of a file inside the config
// directory.
func GetConfigFilePath(file string) (string, error) {
	dir, err := configHome()
	if err != nil {
		return "", err
	}

	return path.Join(dir, file), nil
}
