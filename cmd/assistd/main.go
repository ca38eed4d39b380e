package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	assistapi "github.com/luxfi/assist/pkg/api"
	"github.com/luxfi/assist/pkg/config"
	"github.com/luxfi/assist/pkg/kvstore"
	"github.com/luxfi/assist/pkg/logger"
	"github.com/luxfi/assist/pkg/node"
)

const Version = "0.1.0"

func main() {
	app := &cli.Command{
		Name:    "assistd",
		Usage:   "Assistive dining peer daemon",
		Version: Version,
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start a staff or user device",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "role",
						Aliases: []string{"r"},
						Usage:   "Device role: staff or user",
					},
					&cli.StringFlag{
						Name:    "name",
						Aliases: []string{"n"},
						Usage:   "Device name shown to peers",
					},
					&cli.StringFlag{
						Name:  "listen",
						Usage: "Peer listen address (staff)",
					},
					&cli.StringFlag{
						Name:  "api",
						Usage: "Console listen address, empty to disable",
					},
					&cli.BoolFlag{
						Name:    "prompt-credentials",
						Aliases: []string{"p"},
						Usage:   "Prompt for the store passphrase and pairing code",
					},
					&cli.BoolFlag{
						Name:  "debug",
						Usage: "Enable debug logging",
					},
				},
				Action: runNode,
			},
			{
				Name:  "token",
				Usage: "Issue a console token signed with api_secret",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "operator",
						Usage: "Operator name recorded in the token",
						Value: "console",
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Token lifetime",
						Value: 12 * time.Hour,
					},
				},
				Action: issueToken,
			},
			{
				Name:  "restore",
				Usage: "Restore encrypted backups into a new data directory",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "to",
						Usage:    "Directory for the restored database",
						Required: true,
					},
					&cli.BoolFlag{
						Name:    "prompt-credentials",
						Aliases: []string{"p"},
						Usage:   "Prompt for the backup passphrase",
					},
				},
				Action: restoreBackups,
			},
			{
				Name:  "version",
				Usage: "Display version information",
				Action: func(ctx context.Context, c *cli.Command) error {
					fmt.Printf("assistd version %s\n", Version)
					return nil
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runNode(ctx context.Context, c *cli.Command) error {
	config.InitViperConfig()
	environment := viper.GetString("environment")
	logger.Init(environment, c.Bool("debug"))

	if v := c.String("role"); v != "" {
		viper.Set("role", v)
	}
	if v := c.String("name"); v != "" {
		viper.Set("device_name", v)
	}
	if v := c.String("listen"); v != "" {
		viper.Set("listen_addr", v)
	}
	if c.IsSet("api") {
		viper.Set("api_addr", c.String("api"))
	}
	if c.Bool("prompt-credentials") {
		promptForSensitiveCredentials()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DeviceName == "" {
		host, _ := os.Hostname()
		cfg.DeviceName = host
	}

	deps := node.Deps{}
	if cfg.Discovery.Backend == config.DiscoveryConsul {
		opts, err := cfg.ConsulOptions()
		if err != nil {
			return err
		}
		deps.Consul, err = NewConsulClient(opts)
		if err != nil {
			return err
		}
	}
	if cfg.NATS.URL != "" {
		nc, err := GetNATSConnection(cfg)
		if err != nil {
			logger.Warn("NATS bridge disabled", "url", cfg.NATS.URL, "err", err)
		} else {
			defer nc.Close()
			deps.NATS = nc
		}
	}

	n, err := node.New(cfg, deps)
	if err != nil {
		return err
	}

	appCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := n.Start(appCtx); err != nil {
		n.Stop()
		return err
	}
	logger.Info("[READY] Device is ready", "device", cfg.DeviceName, "role", cfg.Role)

	<-appCtx.Done()
	logger.Warn("Shutdown signal received, stopping...")
	n.Stop()
	return nil
}

func issueToken(ctx context.Context, c *cli.Command) error {
	config.InitViperConfig()
	secret := viper.GetString("api_secret")
	if secret == "" {
		return errors.New("api_secret is not configured")
	}
	token, err := assistapi.GenerateToken(secret, c.String("operator"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func restoreBackups(ctx context.Context, c *cli.Command) error {
	config.InitViperConfig()
	logger.Init(viper.GetString("environment"), false)
	if c.Bool("prompt-credentials") {
		viper.Set("passphrase", readSecret("Enter backup passphrase: "))
	}
	passphrase := viper.GetString("passphrase")
	if passphrase == "" {
		return kvstore.ErrPassphraseNotProvided
	}

	exec, err := kvstore.NewBackup(viper.GetString("device_name"), nil, passphrase, viper.GetString("backup_dir"), 0)
	if err != nil {
		return err
	}
	to, err := filepath.Abs(c.String("to"))
	if err != nil {
		return err
	}
	return exec.RestoreAll(to)
}

// promptForSensitiveCredentials asks for the store passphrase, and for the
// pairing code when the invitation mode needs one.
func promptForSensitiveCredentials() {
	fmt.Println("WARNING: Please back up your store passphrase in a secure location.")
	fmt.Println("Encrypted backups cannot be restored without it.")

	for {
		pass := readSecret("Enter store passphrase: ")
		if pass == "" {
			fmt.Println("Passphrase cannot be empty. Please try again.")
			continue
		}
		if readSecret("Confirm store passphrase: ") != pass {
			fmt.Println("Passphrases do not match. Please try again.")
			continue
		}
		fmt.Printf("Passphrase set: %s\n", maskString(pass))
		viper.Set("passphrase", pass)
		break
	}

	if viper.GetString("invitation.mode") == config.PolicyPairingCode && viper.GetString("invitation.pairing_code") == "" {
		code := readSecret("Enter pairing code: ")
		fmt.Printf("Pairing code set: %s\n", maskString(code))
		viper.Set("invitation.pairing_code", code)
	}
}

func readSecret(prompt string) string {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		logger.Fatal("Failed to read input", err)
	}
	return string(b)
}

// maskString shows the first and last character of a string, replacing the
// middle with asterisks.
func maskString(s string) string {
	if len(s) <= 2 {
		return s
	}
	masked := s[0:1]
	for i := 0; i < len(s)-2; i++ {
		masked += "*"
	}
	return masked + s[len(s)-1:]
}

func NewConsulClient(opts config.ConsulOptions) (*api.Client, error) {
	consulConfig := api.DefaultConfig()
	consulConfig.Address = opts.Address
	consulConfig.Token = opts.Token
	consulConfig.Datacenter = opts.Datacenter
	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	logger.Info("Connected to consul", "address", opts.Address)
	return client, nil
}

func GetNATSConnection(cfg *config.Config) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("assistd-" + cfg.DeviceName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password))
	}
	return nats.Connect(cfg.NATS.URL, opts...)
}
