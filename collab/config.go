package collab

import (
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const envPrefix = "COLLAB_"

type ApiConfig struct {
	Url string `koanf:"url"`
}

type SocketConfig struct {
	Url string `koanf:"url"`
}

type StateConfig struct {
	// where the file store keeps the token and preferences
	Path string `koanf:"path"`
}

type SessionConfig struct {
	Duration      time.Duration `koanf:"duration"`
	WarningWindow time.Duration `koanf:"warningWindow"`
	CheckInterval time.Duration `koanf:"checkInterval"`
}

type SyncConfig struct {
	DebounceWindow time.Duration `koanf:"debounceWindow"`
}

type Config struct {
	Api     ApiConfig     `koanf:"api"`
	Socket  SocketConfig  `koanf:"socket"`
	State   StateConfig   `koanf:"state"`
	Session SessionConfig `koanf:"session"`
	Sync    SyncConfig    `koanf:"sync"`
}

func DefaultConfig() *Config {
	config := &Config{}
	config.Api.Url = "http://localhost:5000"
	config.Socket.Url = "ws://localhost:5000/ws"
	config.State.Path = defaultStatePath()
	config.Session.Duration = 10 * time.Minute
	config.Session.WarningWindow = 1 * time.Minute
	config.Session.CheckInterval = 1 * time.Second
	config.Sync.DebounceWindow = 500 * time.Millisecond
	return config
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".collab/state.json"
	}
	return home + "/.collab/state.json"
}

// LoadConfig reads the yaml config at path, then applies COLLAB_* env
// overrides. a missing file is not an error; defaults apply.
// env keys map segments with underscores, e.g. COLLAB_SESSION_DURATION=5m
// overrides session.duration.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	koanfInstance := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := koanfInstance.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, errors.Wrapf(err, "read config %s failed", path)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "stat config %s failed", path)
		}
	}

	if err := koanfInstance.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(k string, v string) (string, any) {
			// COLLAB_SESSION_WARNINGWINDOW -> session.warningwindow
			key := strings.TrimPrefix(k, envPrefix)
			key = strings.ToLower(key)
			key = strings.ReplaceAll(key, "_", ".")
			return key, v
		},
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load env variables failed")
	}

	// case-insensitive matching so lowercased env keys line up with the
	// camelCase yaml keys
	if err := koanfInstance.UnmarshalWithConf("", config, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           config,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
			MatchName: func(mapKey string, fieldName string) bool {
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return nil, errors.Wrap(err, "unmarshal config failed")
	}

	return config, nil
}

func (self *Config) SessionSettings() *SessionSettings {
	settings := DefaultSessionSettings()
	if 0 < self.Session.Duration {
		settings.SessionDuration = self.Session.Duration
	}
	if 0 < self.Session.WarningWindow {
		settings.WarningWindow = self.Session.WarningWindow
	}
	if 0 < self.Session.CheckInterval {
		settings.CheckInterval = self.Session.CheckInterval
	}
	return settings
}

func (self *Config) SyncSettings() *SyncSettings {
	settings := DefaultSyncSettings()
	if 0 < self.Sync.DebounceWindow {
		settings.DebounceWindow = self.Sync.DebounceWindow
	}
	return settings
}
