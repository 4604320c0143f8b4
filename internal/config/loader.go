package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	ErrConfigNotFound = errors.New("config file not found")
)

// EnvPrefix is the prefix of environment overrides (FNGATE_SERVER_PORT).
const EnvPrefix = "FNGATE"

type LoadOptions struct {
	ConfigFile string
	EnvPrefix  string
	Defaults   *Config
}

func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	defaults := opts.Defaults
	if defaults == nil {
		defaults = Default()
	}
	setDefaults(v, "", reflect.ValueOf(defaults).Elem())

	if opts.EnvPrefix == "" {
		opts.EnvPrefix = EnvPrefix
	}
	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("fngate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/fngate")
		v.AddConfigPath("/etc/fngate")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	expandEnvInConfig(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if used := v.ConfigFileUsed(); used != "" {
		if err := preserveKeyCase(used, cfg); err != nil {
			return nil, err
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func LoadFromFile(path string) (*Config, error) {
	return Load(LoadOptions{ConfigFile: path})
}

// setDefaults registers every scalar and slice leaf of rv under its
// mapstructure path. Viper only resolves environment overrides for keys it
// already knows, so every leaf needs a default.
func setDefaults(v *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		key := rt.Field(i).Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		field := rv.Field(i)
		switch field.Kind() {
		case reflect.Struct:
			setDefaults(v, key, field)
		case reflect.Map, reflect.Pointer, reflect.Interface:
			// Maps and optional sections come only from the file.
		default:
			v.SetDefault(key, field.Interface())
		}
	}
}

// expandEnvInConfig substitutes ${VAR} and ${VAR:-fallback} references in
// every string value.
func expandEnvInConfig(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		raw, ok := v.Get(key).(string)
		if !ok || !strings.Contains(raw, "${") {
			continue
		}
		v.Set(key, expandValue(raw))
	}
}

func expandValue(s string) string {
	return os.Expand(s, func(ref string) string {
		name, fallback, hasFallback := strings.Cut(ref, ":-")
		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if hasFallback {
			return fallback
		}
		return ""
	})
}

// preserveKeyCase re-reads the maps whose keys are environment variable or
// key names. Viper lowercases map keys.
func preserveKeyCase(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	var raw struct {
		Functions struct {
			Env map[string]string `yaml:"env"`
		} `yaml:"functions"`
		Gateway struct {
			Keys map[string]string `yaml:"keys"`
		} `yaml:"gateway"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if raw.Functions.Env != nil {
		cfg.Functions.Env = expandMap(raw.Functions.Env)
	}
	if raw.Gateway.Keys != nil {
		cfg.Gateway.Keys = expandMap(raw.Gateway.Keys)
	}
	return nil
}

func expandMap(m map[string]string) map[string]string {
	for k, v := range m {
		m[k] = expandValue(v)
	}
	return m
}

func ConfigFilePath(customPath string) (string, error) {
	if customPath != "" {
		absPath, err := filepath.Abs(customPath)
		if err != nil {
			return "", fmt.Errorf("resolving config path: %w", err)
		}
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", absPath)
		}
		return absPath, nil
	}

	searchPaths := []string{
		"fngate.yaml",
		"fngate.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "fngate", "fngate.yaml"),
		"/etc/fngate/fngate.yaml",
	}

	for _, p := range searchPaths {
		if _, err := os.Stat(p); err == nil {
			return filepath.Abs(p)
		}
	}

	return "", ErrConfigNotFound
}
