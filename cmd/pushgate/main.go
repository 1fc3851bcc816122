// Package main implements the pushgate console: an interactive client for
// the legacy binary APNS gateway and its feedback service.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"pushgate/pkg/apns"
)

// CLI banner with version.
const banner = `
  ____            _     ____       _
 |  _ \ _   _ ___| |__ / ___| __ _| |_ ___
 | |_) | | | / __| '_ \ |  _ / _` + "`" + ` | __/ _ \
 |  __/| |_| \__ \ | | | |_| | (_| | ||  __/
 |_|    \__,_|___/_| |_|\____|\__,_|\__\___|

   APNS binary gateway console (v1.0)
   ----------------------------------

`

// Config holds the console configuration loaded from YAML.
type Config struct {
	// Sandbox selects the sandbox gateway and feedback hosts.
	Sandbox bool `yaml:"sandbox"`

	Certificate         string `yaml:"certificate"`
	CertificatePassword string `yaml:"certificate_password"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	FeedbackHost string `yaml:"feedback_host"`
	FeedbackPort int    `yaml:"feedback_port"`

	ErrorTimeoutSeconds     int `yaml:"error_timeout_seconds"`
	ExpirationOffsetSeconds int `yaml:"expiration_offset_seconds"`
	BatchSize               int `yaml:"batch_size"`
	Retries                 int `yaml:"retries"`
	MaxPayloadLength        int `yaml:"max_payload_length"`
}

// Global state.
var (
	config *Config      // console config
	client *apns.Client // gateway client
)

// LoadConfig reads and parses the YAML config file.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "./pushgate.yml"
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %v", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %v", absPath, err)
	}

	config := new(Config)
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %v", absPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks required config fields.
func (config *Config) Validate() error {
	if config.Certificate == "" {
		return fmt.Errorf("certificate is required")
	}
	return nil
}

// clientConfig maps the console config onto the client configuration.
func (config *Config) clientConfig() apns.Config {
	return apns.Config{
		Certificate:         config.Certificate,
		CertificatePassword: config.CertificatePassword,
		Host:                config.Host,
		Port:                config.Port,
		FeedbackHost:        config.FeedbackHost,
		FeedbackPort:        config.FeedbackPort,
		ErrorTimeout:        time.Duration(config.ErrorTimeoutSeconds) * time.Second,
		ExpirationOffset:    time.Duration(config.ExpirationOffsetSeconds) * time.Second,
		BatchSize:           config.BatchSize,
		Retries:             config.Retries,
		MaxPayloadLength:    config.MaxPayloadLength,
	}
}

// NewClient builds the gateway client from the loaded configuration.
func NewClient(config *Config) (*apns.Client, error) {
	var (
		c   *apns.Client
		err error
	)
	if config.Sandbox {
		c, err = apns.NewSandbox(config.clientConfig())
	} else {
		c, err = apns.New(config.clientConfig())
	}
	if err != nil {
		return nil, err
	}
	c.SetLogger(log.Logger)
	return c, nil
}

// RenderResultTable formats a send response as a per-token outcome table.
func RenderResultTable(res *apns.Response) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{"#", "Token", "Outcome", "Detail"})

	for i, token := range res.Tokens {
		outcome := "delivered"
		detail := ""
		if err, failed := res.TokenErrors[token]; failed {
			outcome = "failed"
			detail = err.Error()
		}
		t.AppendRow(table.Row{i, token, outcome, detail})
	}

	return t.Render()
}

// RenderFeedbackTable formats expired tokens as a table.
func RenderFeedbackTable(tokens []apns.ExpiredToken) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{"Token", "Expired at"})

	for _, tok := range tokens {
		t.AppendRow(table.Row{tok.Token, tok.Timestamp.Format("2006-01-02 15:04:05")})
	}

	return t.Render()
}

// AddCommands registers all CLI commands with the application.
func AddCommands(app *grumble.App) {
	// Command to send a push notification
	app.AddCommand(&grumble.Command{
		Name: "send",
		Help: "send a push notification to one or more device tokens",
		Args: func(a *grumble.Args) {
			a.StringList("tokens", "hex device tokens to push to")
		},
		Flags: func(f *grumble.Flags) {
			f.String("m", "message", "", "alert text")
			f.String("t", "title", "", "alert title")
			f.Int("b", "badge", -1, "badge count (-1 leaves the badge unchanged)")
			f.String("s", "sound", "", "sound file name")
			f.String("c", "category", "", "notification category")
			f.Bool("a", "content-available", false, "signal new content for background fetch")
			f.Bool("u", "mutable-content", false, "trigger the notification service extension")
			f.String("", "thread-id", "", "notification grouping identifier")
			f.Bool("l", "low-priority", false, "deliver at a power-conserving time")
			f.Duration("e", "expiration-offset", 0, "expiration offset from now (overrides config)")
			f.Int("", "batch-size", 0, "notifications per socket write (overrides config)")
			f.Duration("", "error-timeout", 0, "final error check timeout (overrides config)")
			f.Int("r", "retries", 0, "retry budget (overrides config)")
			f.Int("", "max-payload", 0, "truncate alerts to fit this payload size")
		},
		Run: func(c *grumble.Context) error {
			tokens := c.Args.StringList("tokens")
			if len(tokens) == 0 {
				log.Warn().Msg("No device tokens given")
				return nil
			}

			opts := &apns.SendOptions{
				Message: apns.Message{
					Title:            c.Flags.String("title"),
					Sound:            c.Flags.String("sound"),
					Category:         c.Flags.String("category"),
					ContentAvailable: c.Flags.Bool("content-available"),
					MutableContent:   c.Flags.Bool("mutable-content"),
					ThreadID:         c.Flags.String("thread-id"),
					MaxPayloadLength: c.Flags.Int("max-payload"),
				},
				LowPriority:  c.Flags.Bool("low-priority"),
				BatchSize:    c.Flags.Int("batch-size"),
				ErrorTimeout: c.Flags.Duration("error-timeout"),
				Retries:      c.Flags.Int("retries"),
			}
			if badge := c.Flags.Int("badge"); badge >= 0 {
				opts.Badge = &badge
			}
			if offset := c.Flags.Duration("expiration-offset"); offset > 0 {
				opts.Expiration = time.Now().Add(offset)
			}

			res, err := client.Send(tokens, c.Flags.String("message"), opts)
			if err != nil {
				log.Error().Err(err).Msg("Send failed")
				return nil
			}

			log.Info().Int("delivered", len(res.Successes)).Int("failed", len(res.Failures)).
				Msg("Send finished")
			c.App.Println(RenderResultTable(res))
			return nil
		},
	})
	// Command to read the feedback service
	app.AddCommand(&grumble.Command{
		Name:    "feedback",
		Aliases: []string{"expired"},
		Help:    "list expired device tokens reported by the feedback service",
		Run: func(c *grumble.Context) error {
			tokens, err := client.GetExpiredTokens()
			if err != nil {
				log.Error().Err(err).Msg("Failed to read feedback service")
				return nil
			}

			if len(tokens) == 0 {
				log.Info().Msg("No expired tokens reported")
				return nil
			}

			c.App.Println(RenderFeedbackTable(tokens))
			return nil
		},
	})
	// Command to drop the cached gateway connection
	app.AddCommand(&grumble.Command{
		Name: "close",
		Help: "close the cached gateway connection",
		Run: func(c *grumble.Context) error {
			if err := client.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close connection")
				return nil
			}
			log.Info().Msg("Connection closed")
			return nil
		},
	})
}

// main is the entry point for the application.
func main() {
	configureLogging()

	app := setupCLI()

	AddCommands(app)

	if err := app.Run(); err != nil {
		log.Fatal().Msg(err.Error())
	}
}

// configureLogging sets up zerolog with appropriate formatting and level.
func configureLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// setupCLI initializes the command-line interface with basic configuration.
func setupCLI() *grumble.App {
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".pushgate"
	} else {
		histFile = filepath.Join(home, ".pushgate")
	}

	app := grumble.New(&grumble.Config{
		Name:        "pushgate",
		HistoryFile: histFile,
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "pushgate.yml", "path to configuration file")
			f.Bool("v", "verbose", false, "enable debug logging")
		},
	})

	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		if flags.Bool("verbose") {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}

		var err error
		config, err = LoadConfig(flags.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		client, err = NewClient(config)
		if err != nil {
			return fmt.Errorf("failed to initialize client: %v", err)
		}

		return nil
	})

	return app
}
