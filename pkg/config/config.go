package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".memtrace"
	configFile string = "config.yml"

	// TraceFileName is the name of the compressed binary log inside the
	// category directory.
	TraceFileName = "trace.bin.zst"
	// StatFileName is the name of the statistics report inside the
	// category directory.
	StatFileName = "statinfo.txt"
)

// Config defines all configuration options available to be set through the
// config file. Command line flags override these values for a single run.
type Config struct {
	// SaveDir is the directory under which trace output is saved.
	SaveDir string `yaml:"save-dir"`
	// Category selects the naming scheme of the per-run subdirectory.
	// Preset values: "/name/time", "/name-time", "/time-name", "/name".
	// Empty selects "/name/time". Any other value is used literally.
	Category string `yaml:"category"`
	// MaxStackDepth is the stack capture depth cap. A negative value
	// disables stack capture.
	MaxStackDepth int `yaml:"max-stack-depth"`

	// Trace enables trace record capture.
	Trace bool `yaml:"trace"`
	// Save enables writing the compressed binary log.
	Save bool `yaml:"save"`

	// PrintLog echoes every invoke/result record to the console.
	PrintLog bool `yaml:"print-log"`
	// PrintStack echoes captured raw stacks to the console.
	PrintStack bool `yaml:"print-stack"`
	// PrintSave echoes every entry written to the binary log.
	PrintSave bool `yaml:"print-save"`
	// PrintStat prints the statistics report when the run ends.
	PrintStat bool `yaml:"print-stat"`

	// Extra holds user supplied key/value pairs echoed into the
	// statistics report.
	Extra map[string]string `yaml:"extra,omitempty"`
}

// Defaults returns the configuration used when no config file and no flags
// are present.
func Defaults() *Config {
	return &Config{
		SaveDir:       ".",
		MaxStackDepth: 100,
		Trace:         true,
		Save:          true,
		PrintStat:     true,
	}
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	conf := Defaults()
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return conf
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return conf
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return conf
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return conf
	}

	err = yaml.Unmarshal(data, conf)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return Defaults()
	}

	return conf
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
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

// ResolveCategory expands a category preset for the given target executable
// name and run timestamp. Unknown values are kept as is.
func (c *Config) ResolveCategory(executableName, timestamp string) string {
	switch c.Category {
	case "/name/time", "":
		return filepath.Join(executableName, timestamp)
	case "/name-time":
		return executableName + "-" + timestamp
	case "/time-name":
		return timestamp + "-" + executableName
	case "/name":
		return executableName
	}
	return c.Category
}

// ParentDir returns the directory all output files of a run are written to.
func (c *Config) ParentDir(category string) string {
	return filepath.Join(c.SaveDir, category)
}

// Timestamp formats t the way run directories are named:
// YYYYMMDD-HHMMSS followed by the nanosecond remainder zero padded to nine
// digits.
func Timestamp(t time.Time) string {
	return fmt.Sprintf("%s-%09d", t.Format("20060102-150405"), t.Nanosecond())
}

// ParseExtra parses a comma separated list of key=value pairs. Values may be
// quoted with double quotes to contain spaces.
func ParseExtra(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	extra := make(map[string]string)
	for _, pair := range SplitQuotedFields(strings.ReplaceAll(s, ",", " "), '"') {
		eq := strings.Index(pair, "=")
		if eq <= 0 || eq == len(pair)-1 {
			return nil, fmt.Errorf("invalid extra argument format: %q", pair)
		}
		extra[pair[:eq]] = pair[eq+1:]
	}
	return extra, nil
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the memtrace memory allocation tracer.

# This is the default configuration file. Options behind a leading hash mark are disabled.
# Delete the leading hash mark to enable an item.

# Directory under which trace output is saved.
save-dir: .

# Naming scheme of the per-run output subdirectory.
# Presets: "/name/time" "/name-time" "/time-name" "/name"
# category: /name/time

# Maximum captured stack depth, negative disables stack capture.
max-stack-depth: 100

# Capture trace records and save the compressed binary log.
trace: true
save: true

# Console echo of records, stacks and saved entries.
# print-log: false
# print-stack: false
# print-save: false

# Print the statistics report when the run ends.
print-stat: true
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
