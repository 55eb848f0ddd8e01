// Package config handles application configuration from a YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"notify_bot/internal/apperr"
	"notify_bot/internal/model"
)

// Module names accepted in the modules list.
const (
	ModuleYoutube  = "youtube"
	ModuleFacebook = "facebook"
	ModuleConsole  = "console"
)

// Config holds the application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Youtube  YoutubeConfig  `mapstructure:"youtube"`
	Facebook FacebookConfig `mapstructure:"facebook"`
	Modules  []string       `mapstructure:"modules"`
}

// LogConfig selects the log level, output format and optional file sink directory.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
}

// StorageConfig selects the checkpoint backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// HTTPConfig configures the webhook listener.
type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

// GuildConfig maps channel names of one guild to channel ids.
type GuildConfig struct {
	ID       string            `mapstructure:"guild_id"`
	Channels map[string]string `mapstructure:"channels"`
}

// DiscordConfig holds the bot token and the guilds destinations resolve through.
type DiscordConfig struct {
	Token  string                 `mapstructure:"token"`
	Guilds map[string]GuildConfig `mapstructure:"guilds"`
}

// TelegramConfig configures the operator console and the telegram destinations.
// Chats maps destination names to chat ids.
type TelegramConfig struct {
	Token        string           `mapstructure:"token"`
	AllowedUsers []int64          `mapstructure:"-"`
	Chats        map[string]int64 `mapstructure:"chats"`
}

// YoutubeChannel is an upload channel and where its videos are announced.
type YoutubeChannel struct {
	ID           string   `mapstructure:"id"`
	Destinations []string `mapstructure:"destinations"`
	Message      string   `mapstructure:"message"`
}

// YoutubeConfig configures upload subscriptions.
type YoutubeConfig struct {
	HubURL      string           `mapstructure:"hub_url"`
	CallbackURL string           `mapstructure:"callback_url"`
	RetryDelay  time.Duration    `mapstructure:"retry_delay"`
	Channels    []YoutubeChannel `mapstructure:"channels"`
}

// PageConfig is a tracked page and its routing.
type PageConfig struct {
	ID                    string         `mapstructure:"id"`
	Channels              model.Channels `mapstructure:"channels"`
	IgnoreLastYoutubeFrom []string       `mapstructure:"ignore_last_youtube_from"`
	UpdateEvents          bool           `mapstructure:"update_events"`
	Filters               []model.Filter `mapstructure:"filters"`
}

// FacebookConfig configures page polling.
type FacebookConfig struct {
	AccessToken string        `mapstructure:"access_token"`
	APIVersion  string        `mapstructure:"api_version"`
	BaseURL     string        `mapstructure:"base_url"`
	Interval    time.Duration `mapstructure:"interval"`
	WarmUp      time.Duration `mapstructure:"warm_up"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Pages       []PageConfig  `mapstructure:"pages"`
}

// Sources converts the configured pages to tracker sources.
func (c FacebookConfig) Sources() []model.Source {
	out := make([]model.Source, len(c.Pages))
	for i, p := range c.Pages {
		out[i] = model.Source{
			ID:                    p.ID,
			Channels:              p.Channels,
			IgnoreLastYoutubeFrom: p.IgnoreLastYoutubeFrom,
			UpdateEvents:          p.UpdateEvents,
			Filters:               p.Filters,
		}
	}
	return out
}

var envBindings = map[string]string{
	"discord.token":         "DISCORD_TOKEN",
	"telegram.token":        "TELEGRAM_BOT_TOKEN",
	"storage.path":          "DATABASE_PATH",
	"log.level":             "LOG_LEVEL",
	"facebook.access_token": "FACEBOOK_ACCESS_TOKEN",
	"youtube.callback_url":  "YOUTUBE_CALLBACK_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/bot.db")
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("youtube.retry_delay", 30*time.Second)
	v.SetDefault("facebook.api_version", "v2.8")
	v.SetDefault("facebook.base_url", "https://graph.facebook.com")
	v.SetDefault("facebook.interval", 120*time.Second)
	v.SetDefault("facebook.warm_up", 10*time.Second)
	v.SetDefault("facebook.timeout", 30*time.Second)
	v.SetDefault("modules", []string{ModuleYoutube, ModuleFacebook})
}

// Load reads configuration from path (or ./config.yaml when path is empty)
// and environment variables. A .env file in the working directory is loaded first.
// A missing default config file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	users, err := parseAllowedUsers(v.Get("telegram.allowed_users"))
	if err != nil {
		return nil, err
	}
	if raw := v.GetString("ALLOWED_USERS"); raw != "" {
		if users, err = parseAllowedUsers(raw); err != nil {
			return nil, err
		}
	}
	cfg.Telegram.AllowedUsers = users

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseAllowedUsers accepts a comma separated string or a YAML list.
func parseAllowedUsers(raw any) ([]int64, error) {
	var parts []string
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		parts = strings.Split(val, ",")
	case []any:
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
	default:
		return nil, fmt.Errorf("%w: allowed_users must be a list of user ids", apperr.ErrValidation)
	}

	var users []int64
	for _, s := range parts {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid user ID %q in allowed_users: %w", apperr.ErrValidation, s, err)
		}
		users = append(users, uid)
	}
	return users, nil
}

// Enabled reports whether a module is listed in the modules list.
func (c *Config) Enabled(module string) bool {
	return slices.Contains(c.Modules, module)
}

// Validate checks that every enabled module has what it needs.
func (c *Config) Validate() error {
	var errs []error
	for _, m := range c.Modules {
		switch m {
		case ModuleYoutube, ModuleFacebook, ModuleConsole:
		default:
			errs = append(errs, fmt.Errorf("unknown module %q", m))
		}
	}

	if (c.Enabled(ModuleYoutube) || c.Enabled(ModuleFacebook)) && c.Discord.Token == "" && c.Telegram.Token == "" {
		errs = append(errs, errors.New("discord.token or telegram.token is required"))
	}
	if c.Enabled(ModuleConsole) && c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required by the console module"))
	}
	if c.Enabled(ModuleYoutube) && c.Youtube.CallbackURL == "" {
		errs = append(errs, errors.New("youtube.callback_url is required"))
	}
	for i, ch := range c.Youtube.Channels {
		if ch.ID == "" {
			errs = append(errs, fmt.Errorf("youtube.channels[%d]: id is required", i))
		}
	}
	if c.Enabled(ModuleFacebook) {
		if c.Facebook.AccessToken == "" {
			errs = append(errs, errors.New("facebook.access_token is required"))
		}
		if c.Facebook.Interval <= 0 {
			errs = append(errs, errors.New("facebook.interval must be positive"))
		}
	}
	for i, p := range c.Facebook.Pages {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("facebook.pages[%d]: id is required", i))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrValidation, err)
	}
	return nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.Telegram.AllowedUsers) == 0 {
		return true
	}
	return slices.Contains(c.Telegram.AllowedUsers, userID)
}
