package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/luxfi/assist/pkg/logger"
)

const (
	DefaultServiceType     = "assistiveapp"
	DefaultInviteTimeout   = 10 * time.Second
	DefaultConnectDeadline = 5 * time.Second
	DefaultStartAttempts   = 3
	DefaultBackupPeriod    = 5 * time.Minute
)

// Invitation policy names accepted in configuration.
const (
	PolicyAcceptAll   = "accept-all"
	PolicyAllowList   = "allow-list"
	PolicyPairingCode = "pairing-code"
)

// Discovery backend names.
const (
	DiscoveryMDNS   = "mdns"
	DiscoveryMemory = "memory"
	DiscoveryConsul = "consul"
)

type Config struct {
	Environment string `mapstructure:"environment"`
	Role        string `mapstructure:"role"`
	DeviceName  string `mapstructure:"device_name"`

	ServiceType   string        `mapstructure:"service_type"`
	ListenAddr    string        `mapstructure:"listen_addr"`
	AdvertiseAddr string        `mapstructure:"advertise_addr"`
	InviteTimeout time.Duration `mapstructure:"invite_timeout"`
	StartAttempts uint          `mapstructure:"start_attempts"`

	ConnectDeadline time.Duration `mapstructure:"connect_deadline"`

	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Policy    PolicyConfig    `mapstructure:"invitation"`

	DataDir      string        `mapstructure:"data_dir"`
	BackupDir    string        `mapstructure:"backup_dir"`
	BackupPeriod time.Duration `mapstructure:"backup_period"`
	Passphrase   string        `mapstructure:"passphrase"`
	S3           S3Config      `mapstructure:"s3"`

	NATS NATSConfig `mapstructure:"nats"`

	// ProfileFile and MenuFile hold the JSON models sent to each new peer:
	// the customer's profile on a user device, the venue menu on staff.
	ProfileFile string `mapstructure:"profile_file"`
	MenuFile    string `mapstructure:"menu_file"`

	APIAddr   string `mapstructure:"api_addr"`
	APISecret string `mapstructure:"api_secret"`
}

type DiscoveryConfig struct {
	Backend string                 `mapstructure:"backend"`
	MDNS    MDNSOptions            `mapstructure:"mdns"`
	Consul  map[string]interface{} `mapstructure:"consul"`
}

type MDNSOptions struct {
	Domain string `mapstructure:"domain"`
}

// ConsulOptions is the typed view of discovery.consul.
type ConsulOptions struct {
	Address    string        `mapstructure:"address"`
	Token      string        `mapstructure:"token"`
	Datacenter string        `mapstructure:"datacenter"`
	CheckTTL   time.Duration `mapstructure:"check_interval"`
	WaitTime   time.Duration `mapstructure:"wait_time"`
}

type PolicyConfig struct {
	Mode        string   `mapstructure:"mode"`
	AllowList   []string `mapstructure:"allow_list"`
	PairingCode string   `mapstructure:"pairing_code"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// InitViperConfig loads config.yaml from the working directory (or
// $HOME/.assist) and binds ASSIST_* environment variables. A missing file
// is not an error.
func InitViperConfig() {
	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.assist")

	viper.SetEnvPrefix("ASSIST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			logger.Debug("No config file found, using defaults and environment")
			return
		}
		logger.Fatal("Failed to read config file", err)
	}
	logger.Info("Loaded config file", "path", viper.ConfigFileUsed())
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("role", "user")
	viper.SetDefault("service_type", DefaultServiceType)
	viper.SetDefault("listen_addr", ":0")
	viper.SetDefault("invite_timeout", DefaultInviteTimeout)
	viper.SetDefault("start_attempts", DefaultStartAttempts)
	viper.SetDefault("connect_deadline", DefaultConnectDeadline)
	viper.SetDefault("discovery.backend", DiscoveryMDNS)
	viper.SetDefault("discovery.mdns.domain", "local.")
	viper.SetDefault("invitation.mode", PolicyAcceptAll)
	viper.SetDefault("data_dir", "./data")
	viper.SetDefault("backup_dir", "./backups")
	viper.SetDefault("backup_period", DefaultBackupPeriod)
	viper.SetDefault("s3.use_ssl", true)
	viper.SetDefault("api_addr", "127.0.0.1:8088")
}

// Load decodes the active viper state into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Role {
	case "user", "staff":
	default:
		return fmt.Errorf("config: unknown role %q", c.Role)
	}
	if c.ServiceType == "" {
		return errors.New("config: service_type is required")
	}
	switch c.Policy.Mode {
	case PolicyAcceptAll:
	case PolicyAllowList:
		if len(c.Policy.AllowList) == 0 {
			return errors.New("config: invitation.allow_list is empty")
		}
	case PolicyPairingCode:
		if c.Policy.PairingCode == "" {
			return errors.New("config: invitation.pairing_code is required")
		}
	default:
		return fmt.Errorf("config: unknown invitation mode %q", c.Policy.Mode)
	}
	switch c.Discovery.Backend {
	case DiscoveryMDNS, DiscoveryMemory, DiscoveryConsul:
	default:
		return fmt.Errorf("config: unknown discovery backend %q", c.Discovery.Backend)
	}
	return nil
}

// ConsulOptions decodes the free-form discovery.consul section.
func (c *Config) ConsulOptions() (ConsulOptions, error) {
	opts := ConsulOptions{
		Address:  "127.0.0.1:8500",
		CheckTTL: 10 * time.Second,
		WaitTime: 30 * time.Second,
	}
	if len(c.Discovery.Consul) == 0 {
		return opts, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(c.Discovery.Consul); err != nil {
		return opts, fmt.Errorf("decode discovery.consul: %w", err)
	}
	return opts, nil
}
