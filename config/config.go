// Package config loads the harness configuration.
//
// Two file formats are understood: the shell style config.local used by the test
// suites (KEY="value" assignments) and YAML (files ending in .yaml or .yml).
package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// Constants for default values.
const (
	DefaultFileName = "config.local"
	DefaultTimeout  = 60 * time.Second
	DefaultWorker   = "io_wq_manager"
)

// Config is the effective harness configuration.
type Config struct {
	// Devices each test is run against (TEST_FILES)
	Devices []string
	// Tests that are never launched (TEST_EXCLUDE)
	Exclude map[string]struct{}
	// Default per-run timeout (TIMEOUT)
	Timeout time.Duration
	// Per-test timeout overrides (TEST_MAP[name])
	TestMap map[string]time.Duration
	// Shell pipeline the kernel log is passed through before scanning (DMESG_FILTER)
	DmesgFilter string
	// Name of the background worker probed for by the residue check
	Worker string
}

// fileConfig mirrors the YAML format.
type fileConfig struct {
	TestFiles   []string       `yaml:"test_files"`
	TestExclude []string       `yaml:"test_exclude"`
	Timeout     *int           `yaml:"timeout"`
	TestMap     map[string]int `yaml:"test_map"`
	DmesgFilter string         `yaml:"dmesg_filter"`
	Worker      string         `yaml:"worker"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Exclude: make(map[string]struct{}),
		Timeout: DefaultTimeout,
		TestMap: make(map[string]time.Duration),
		Worker:  DefaultWorker,
	}
}

// Load reads the configuration file at path on top of the defaults. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc *fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		fc, err = parseYAML(data)
	default:
		fc, err = parseShell(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.merge(fc); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

func parseYAML(data []byte) (*fileConfig, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

var (
	// assignRe matches KEY=value and TEST_MAP[name]=value assignments. An optional
	// leading "export" is accepted.
	assignRe = regexp.MustCompile(`^(?:export\s+)?([A-Za-z_][A-Za-z0-9_]*)(?:\[([^\]]+)\])?=(.*)$`)
)

// parseShell parses config.local. Only plain assignments are understood, the file is
// never executed.
func parseShell(data []byte) (*fileConfig, error) {
	fc := &fileConfig{TestMap: make(map[string]int)}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		m := assignRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("line %d: not an assignment: %q", lineNo, line)
		}
		key, index, raw := m[1], m[2], m[3]

		// shlex handles quoting and trailing comments
		words, err := shlex.Split(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		// TEST_FILES="a b" yields one word holding both devices
		var values []string
		for _, w := range words {
			values = append(values, strings.Fields(w)...)
		}

		switch key {
		case "TEST_FILES":
			fc.TestFiles = values
		case "TEST_EXCLUDE":
			fc.TestExclude = values
		case "TIMEOUT":
			n, err := singleInt(values)
			if err != nil {
				return nil, fmt.Errorf("line %d: TIMEOUT: %w", lineNo, err)
			}
			fc.Timeout = &n
		case "TEST_MAP":
			if index == "" {
				return nil, fmt.Errorf("line %d: TEST_MAP needs a test name", lineNo)
			}
			n, err := singleInt(values)
			if err != nil {
				return nil, fmt.Errorf("line %d: TEST_MAP[%s]: %w", lineNo, index, err)
			}
			fc.TestMap[index] = n
		case "DMESG_FILTER":
			// the filter is a pipeline, keep it as one string
			fc.DmesgFilter = strings.Join(words, " ")
		case "WORKER":
			fc.Worker = strings.Join(values, " ")
		default:
			// config.local files commonly carry settings for other tools
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return fc, nil
}

func singleInt(values []string) (int, error) {
	if len(values) != 1 {
		return 0, fmt.Errorf("expected one integer, got %q", strings.Join(values, " "))
	}
	return strconv.Atoi(values[0])
}

func (c *Config) merge(fc *fileConfig) error {
	if fc.TestFiles != nil {
		c.Devices = fc.TestFiles
	}
	for _, name := range fc.TestExclude {
		c.Exclude[name] = struct{}{}
	}
	if fc.Timeout != nil {
		if err := c.SetTimeout(*fc.Timeout); err != nil {
			return err
		}
	}
	for name, secs := range fc.TestMap {
		if secs <= 0 {
			return fmt.Errorf("timeout for %s must be positive, got %d", name, secs)
		}
		c.TestMap[name] = time.Duration(secs) * time.Second
	}
	if fc.DmesgFilter != "" {
		c.DmesgFilter = fc.DmesgFilter
	}
	if fc.Worker != "" {
		c.Worker = fc.Worker
	}
	return nil
}

// SetTimeout sets the default timeout in seconds.
func (c *Config) SetTimeout(secs int) error {
	if secs <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", secs)
	}
	c.Timeout = time.Duration(secs) * time.Second
	return nil
}

// SetExclude replaces the exclusion list. Entries may hold several space separated
// names, as TEST_EXCLUDE does.
func (c *Config) SetExclude(entries []string) {
	c.Exclude = make(map[string]struct{})
	for _, e := range entries {
		for _, name := range strings.Fields(e) {
			c.Exclude[name] = struct{}{}
		}
	}
}

// SetDevices replaces the device list, splitting entries like TEST_FILES does.
func (c *Config) SetDevices(entries []string) {
	c.Devices = nil
	for _, e := range entries {
		c.Devices = append(c.Devices, strings.Fields(e)...)
	}
}

// TimeoutFor returns the timeout that applies to test.
func (c *Config) TimeoutFor(test string) time.Duration {
	if d, ok := c.TestMap[test]; ok {
		return d
	}
	return c.Timeout
}

// Excluded reports whether test is on the exclusion list.
func (c *Config) Excluded(test string) bool {
	_, ok := c.Exclude[test]
	return ok
}

// ExcludeList returns the exclusion list in sorted order.
func (c *Config) ExcludeList() []string {
	list := make([]string, 0, len(c.Exclude))
	for name := range c.Exclude {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}
