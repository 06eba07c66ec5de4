package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// OptionType represents the expected type of a configuration option value.
type OptionType string

const (
	// TypeString is a plain string value (the default for all config values).
	TypeString OptionType = "string"
	// TypeBool is a boolean value (true/false/yes/no/1/0/on/off).
	TypeBool OptionType = "bool"
	// TypeInt is an integer value.
	TypeInt OptionType = "int"
	// TypeDuration is a Go time.Duration value (e.g. "500ms", "2s").
	TypeDuration OptionType = "duration"
	// TypePort is a TCP port number.
	TypePort OptionType = "port"
)

// Option keys understood by the launcher.
const (
	KeyServer         = "server"
	KeyPort           = "port"
	KeyFunction       = "function"
	KeyHostName       = "host-name"
	KeyReadyTimeout   = "trace.ready-timeout"
	KeyConnectTimeout = "connect.timeout"
	KeyUnsafe         = "shell.unsafe"
	KeyConsole        = "shell.console"
	KeyPrompt         = "shell.prompt"
	KeyInitScript     = "shell.init"
	KeyIdleInterval   = "fallback.idle-interval"
	KeyLogFile        = "log.file"
	KeyLogLevel       = "log.level"
	KeyLogMaxSizeMB   = "log.max-size-mb"
	KeyLogMaxFiles    = "log.max-files"
)

// ConfigOption declares a single configuration option with its type, default,
// documentation, and environment variable override.
type ConfigOption struct {
	// Key is the option name as it appears in the config file.
	Key string
	// Type is the expected value type for validation.
	Type OptionType
	// Default is the default value as a string, or "" for no default.
	Default string
	// Description is a human-readable description of the option.
	Description string
	// EnvVar is the environment variable that overrides this option, or "".
	EnvVar string
	// Global marks options that a program section may not override.
	Global bool
}

// ConfigSchema declares the expected configuration options. It is used for
// validation, documentation, typed getters, and env var mapping.
type ConfigSchema struct {
	options []*ConfigOption
	byKey   map[string]*ConfigOption
}

// NewSchema creates a new empty ConfigSchema.
func NewSchema() *ConfigSchema {
	return &ConfigSchema{byKey: make(map[string]*ConfigOption)}
}

// Register adds a ConfigOption to the schema. Last registration wins.
func (s *ConfigSchema) Register(opt ConfigOption) {
	ref := new(ConfigOption)
	*ref = opt
	if prev, ok := s.byKey[opt.Key]; ok {
		for i, o := range s.options {
			if o == prev {
				s.options = append(s.options[:i], s.options[i+1:]...)
				break
			}
		}
	}
	s.options = append(s.options, ref)
	s.byKey[opt.Key] = ref
}

// RegisterAll adds multiple ConfigOptions to the schema.
func (s *ConfigSchema) RegisterAll(opts []ConfigOption) {
	for _, opt := range opts {
		s.Register(opt)
	}
}

// Lookup returns the ConfigOption for key, or nil.
func (s *ConfigSchema) Lookup(key string) *ConfigOption {
	return s.byKey[key]
}

// IsKnown reports whether key may appear in the given program section ("" for
// the global section).
func (s *ConfigSchema) IsKnown(section, key string) bool {
	opt := s.byKey[key]
	if opt == nil {
		return false
	}
	return section == "" || !opt.Global
}

// Options returns all registered options in registration order.
func (s *ConfigSchema) Options() []ConfigOption {
	out := make([]ConfigOption, 0, len(s.options))
	for _, o := range s.options {
		out = append(out, *o)
	}
	return out
}

// Resolve returns the effective value of key for the program named module
// ("" for none) by checking, in order: the environment variable declared for
// the key, the program section, the global section, the schema default.
func (s *ConfigSchema) Resolve(c *Config, module, key string) string {
	v, _ := s.lookup(c, module, key)
	return v
}

func (s *ConfigSchema) lookup(c *Config, module, key string) (string, bool) {
	opt := s.Lookup(key)
	if opt != nil && opt.EnvVar != "" {
		if v, ok := os.LookupEnv(opt.EnvVar); ok {
			return v, true
		}
	}
	if c != nil {
		if opt == nil || !opt.Global {
			if v, ok := c.GetProgramOption(module, key); ok {
				return v, true
			}
		} else if v, ok := c.GetGlobalOption(key); ok {
			return v, true
		}
	}
	if opt != nil && opt.Default != "" {
		return opt.Default, false
	}
	return "", false
}

// ResolveBool is Resolve parsed as a bool; unparseable values are false.
func (s *ConfigSchema) ResolveBool(c *Config, module, key string) bool {
	b, _ := parseBool(s.Resolve(c, module, key))
	return b
}

// ResolveInt is Resolve parsed as an int; unparseable values are 0.
func (s *ConfigSchema) ResolveInt(c *Config, module, key string) int {
	i, _ := strconv.Atoi(s.Resolve(c, module, key))
	return i
}

// ResolveDuration is Resolve parsed as a duration; unparseable values are 0.
func (s *ConfigSchema) ResolveDuration(c *Config, module, key string) time.Duration {
	d, _ := time.ParseDuration(s.Resolve(c, module, key))
	return d
}

// IsSet reports whether key was set by environment or config, as opposed to
// falling back to its default.
func (s *ConfigSchema) IsSet(c *Config, module, key string) bool {
	_, ok := s.lookup(c, module, key)
	return ok
}

// ValidateConfig checks a loaded Config against the schema and returns a list
// of human-readable issues (empty if the config is valid).
func ValidateConfig(c *Config, s *ConfigSchema) []string {
	var issues []string

	for key, value := range c.Global {
		opt := s.Lookup(key)
		if opt == nil {
			issues = append(issues, fmt.Sprintf("unknown global option: %q (value: %q)", key, value))
			continue
		}
		if err := validateType(opt.Type, value); err != nil {
			issues = append(issues, fmt.Sprintf("global option %q: %v", key, err))
		}
	}

	for section, opts := range c.Programs {
		for key, value := range opts {
			if !s.IsKnown(section, key) {
				issues = append(issues, fmt.Sprintf("unknown option for program %q: %q (value: %q)", section, key, value))
				continue
			}
			if err := validateType(s.Lookup(key).Type, value); err != nil {
				issues = append(issues, fmt.Sprintf("option %q in [%s]: %v", key, section, err))
			}
		}
	}

	sort.Strings(issues)
	return issues
}

func validateType(t OptionType, value string) error {
	switch t {
	case TypeString, "":
		return nil
	case TypeBool:
		if _, err := parseBool(value); err != nil {
			return fmt.Errorf("expected bool, got %q", value)
		}
	case TypeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("expected int, got %q", value)
		}
	case TypeDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("expected duration, got %q", value)
		}
	case TypePort:
		if _, err := ParsePort(value); err != nil {
			return fmt.Errorf("expected port, got %q", value)
		}
	default:
		return fmt.Errorf("unknown option type %q", t)
	}
	return nil
}

// FormatHelp returns a human-readable reference of all registered options.
func (s *ConfigSchema) FormatHelp() string {
	var b strings.Builder
	b.WriteString("Options:\n")
	for _, o := range s.Options() {
		fmt.Fprintf(&b, "  %-25s %s", o.Key, o.Description)
		parts := make([]string, 0, 4)
		if o.Type != "" && o.Type != TypeString {
			parts = append(parts, "type: "+string(o.Type))
		}
		if o.Default != "" {
			parts = append(parts, "default: "+o.Default)
		}
		if o.EnvVar != "" {
			parts = append(parts, "env: "+o.EnvVar)
		}
		if o.Global {
			parts = append(parts, "global only")
		}
		if len(parts) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// DefaultSchema returns the schema of every option the launcher reads.
func DefaultSchema() *ConfigSchema {
	s := NewSchema()
	s.RegisterAll([]ConfigOption{
		{Key: KeyServer, Default: "localhost", Description: "Host bridge server"},
		{Key: KeyPort, Type: TypePort, Default: "8899", Description: "Host bridge port"},
		{Key: KeyFunction, Default: "main", Description: "Function to trace and invoke"},
		{Key: KeyHostName, Description: "Name announced to the bridge (default: program name)"},
		{Key: KeyReadyTimeout, Type: TypeDuration, Default: "1s", Description: "Wait for the trace to be armed"},
		{Key: KeyConnectTimeout, Type: TypeDuration, Default: "5s", Description: "Bridge handshake timeout"},
		{Key: KeyUnsafe, Type: TypeBool, Default: "true", Description: "Allow expression evaluation in the shell"},
		{Key: KeyConsole, Type: TypeBool, Default: "true", Description: "Attach a local console when threaded"},
		{Key: KeyPrompt, Default: "otrace> ", Description: "Console prompt"},
		{Key: KeyInitScript, Description: "Shell commands run at connect"},
		{Key: KeyIdleInterval, Type: TypeDuration, Default: "1s", Description: "Interactive fallback idle tick"},
		{Key: KeyLogFile, Description: "JSON log file, rotated by size", EnvVar: EnvLogFile, Global: true},
		{Key: KeyLogLevel, Default: "info", Description: "Log level: debug, info, warn, error", EnvVar: EnvLogLevel, Global: true},
		{Key: KeyLogMaxSizeMB, Type: TypeInt, Default: "10", Description: "Log file size before rotation", Global: true},
		{Key: KeyLogMaxFiles, Type: TypeInt, Default: "5", Description: "Rotated log files kept", Global: true},
	})
	return s
}
