// Package config loads the small set of YAML-backed tunables the
// debugger core reads at startup, following pkg/config/config.go's
// load/save/default-file pattern.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  = ".edb"
	configFile = "config.yml"
)

// Config holds every tunable this package's callers can override.
type Config struct {
	// WaitTimeoutMillis bounds how long WaitEvent blocks before giving up
	// on a stop that never arrives; 0 means block indefinitely.
	WaitTimeoutMillis int `yaml:"wait-timeout-millis"`

	// LogSubsystems is the comma separated subsystem list passed to
	// logflags.Setup, e.g. "ptrace,events".
	LogSubsystems string `yaml:"log-subsystems"`

	// PtraceOptionsMask overrides the PTRACE_SETOPTIONS mask installed on
	// every traced thread; 0 means use the package default
	// (PTRACE_O_TRACECLONE).
	PtraceOptionsMask int `yaml:"ptrace-options-mask"`
}

// defaultConfig mirrors the zero-value defaults documented in
// writeDefaultConfig below.
func defaultConfig() Config {
	return Config{
		WaitTimeoutMillis: 0,
		LogSubsystems:     "",
		PtraceOptionsMask: 0,
	}
}

// LoadConfig attempts to populate a Config from config.yml, creating a
// commented default file the first time it's called for this user,
// exactly as LoadConfig in pkg/config/config.go does. Any error along
// the way is reported but not fatal: the caller gets defaultConfig back.
func LoadConfig() *Config {
	if err := createConfigPath(); err != nil {
		fmt.Printf("could not create config directory: %v\n", err)
		c := defaultConfig()
		return &c
	}
	full, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("unable to get config file path: %v\n", err)
		c := defaultConfig()
		return &c
	}

	f, err := os.Open(full)
	if err != nil {
		f, err = createDefaultConfig(full)
		if err != nil {
			fmt.Printf("error creating default config file: %v\n", err)
			c := defaultConfig()
			return &c
		}
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("unable to read config data: %v\n", err)
		c := defaultConfig()
		return &c
	}

	c := defaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		fmt.Printf("unable to decode config file: %v\n", err)
		c = defaultConfig()
	}
	return &c
}

// SaveConfig marshals and writes conf to disk.
func SaveConfig(conf *Config) error {
	full, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	f, err := os.Create(full)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(out)
	return err
}

func createDefaultConfig(p string) (*os.File, error) {
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	if err := writeDefaultConfig(f); err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the debugger core.
#
# This is the default configuration file. Available options are shown
# with their default values commented out.

# Maximum time, in milliseconds, WaitEvent blocks waiting for a stop
# before giving up. 0 blocks indefinitely.
# wait-timeout-millis: 0

# Comma separated list of subsystems to log: ptrace, events, procfs, memory.
# log-subsystems: ""

# Overrides the PTRACE_SETOPTIONS mask installed on every traced thread.
# 0 means use the built-in default (PTRACE_O_TRACECLONE).
# ptrace-options-mask: 0
`)
	return err
}

func createConfigPath() error {
	p, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0700)
}

// GetConfigFilePath returns the full path to file inside this user's
// config directory.
func GetConfigFilePath(file string) (string, error) {
	home := "."
	if u, err := user.Current(); err == nil {
		home = u.HomeDir
	}
	return path.Join(home, configDir, file), nil
}
