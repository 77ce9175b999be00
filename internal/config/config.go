package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.yaml.in/yaml/v4"
)

// Bounds applied to the per-run limits. Raw values are never used directly.
const (
	MinRead = 2
	MaxRead = 10000
	MinSend = 1
	MaxSend = 500

	maxPrefixLen = 16
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel             string  `yaml:"log_level"`
	UserID               string  `yaml:"user_id"`
	ForwardToAddress     string  `yaml:"forward_to_address"`
	ForwardToNameRaw     string  `yaml:"forward_to_name"`
	SubjectPrefixRaw     string  `yaml:"subject_prefix"`
	MaxReadRaw           int     `yaml:"max_read"`
	MaxSendRaw           int     `yaml:"max_send"`
	CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
	Ledger               Ledger  `yaml:"ledger"`
	Mailbox              Mailbox `yaml:"mailbox"`
	Gmail                Gmail   `yaml:"gmail"`
	Sender               Sender  `yaml:"sender"`
}

// Ledger locates the sent-message ledger.
type Ledger struct {
	Driver string `yaml:"driver"` // "file" or "sqlite"
	Dir    string `yaml:"dir"`
	Name   string `yaml:"name"`
}

// Mailbox describes the mailbox messages are read from.
type Mailbox struct {
	Protocol string `yaml:"protocol"` // "gmail", "imap" or "pop3"
	Filter   string `yaml:"filter"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// Gmail holds the OAuth client used for the Gmail API.
type Gmail struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	KeyringDir   string `yaml:"keyring_dir"`
}

// Sender holds the outgoing transport configuration.
type Sender struct {
	Protocol           string `yaml:"protocol"` // "gmail", "smtp", "ses" or "mbox"
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	From               string `yaml:"from"`
	UseTLS             bool   `yaml:"use_tls"`
	SESRegion          string `yaml:"ses_region"`
	SESAccessKeyID     string `yaml:"ses_access_key_id"`
	SESSecretAccessKey string `yaml:"ses_secret_access_key"`
	MboxPath           string `yaml:"mbox_path"`
}

// MaxRead returns the number of message headers to inspect per run,
// clamped to [MinRead, MaxRead].
func (c *Config) MaxRead() int {
	return clamp(c.MaxReadRaw, MinRead, MaxRead)
}

// MaxSend returns the number of messages to forward per run, clamped to
// [MinSend, MaxSend].
func (c *Config) MaxSend() int {
	return clamp(c.MaxSendRaw, MinSend, MaxSend)
}

// SubjectPrefix returns the trimmed prefix, at most 16 characters long.
func (c *Config) SubjectPrefix() string {
	p := strings.TrimSpace(c.SubjectPrefixRaw)
	if utf8.RuneCountInString(p) > maxPrefixLen {
		p = strings.TrimSpace(string([]rune(p)[:maxPrefixLen]))
	}
	return p
}

// ForwardToName returns the display name of the forward target, defaulting
// to "unknown".
func (c *Config) ForwardToName() string {
	if n := strings.TrimSpace(c.ForwardToNameRaw); n != "" {
		return n
	}
	return "unknown"
}

// CheckInterval returns the watch interval as a time.Duration.
func (c *Config) CheckInterval() time.Duration {
	if c.CheckIntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// MailboxFilter returns the listing filter, defaulting per protocol.
func (c *Config) MailboxFilter() string {
	if f := strings.TrimSpace(c.Mailbox.Filter); f != "" {
		return f
	}
	if c.Mailbox.Protocol == "imap" {
		return "INBOX"
	}
	return "is:inbox"
}

// LedgerPath returns the on-disk location of the ledger for the configured
// driver.
func (c *Config) LedgerPath() string {
	name := strings.TrimSpace(c.Ledger.Name)
	if name == "" {
		name = "MySentEmails"
	}
	ext := ".txt"
	if c.Ledger.Driver == "sqlite" {
		ext = ".db"
	}
	return filepath.Join(c.Ledger.Dir, name+ext)
}

// Load reads and parses a YAML configuration file, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvVars()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel:   "info",
		UserID:     "me",
		MaxReadRaw: 100,
		MaxSendRaw: 10,
		Ledger: Ledger{
			Driver: "file",
			Dir:    "data",
			Name:   "MySentEmails",
		},
		Mailbox: Mailbox{
			Protocol: "gmail",
			UseTLS:   true,
		},
		Gmail: Gmail{
			RedirectURL: "http://localhost",
			KeyringDir:  "~/.config/gmailer/credentials",
		},
		Sender: Sender{
			Protocol: "gmail",
			MboxPath: filepath.Join("data", "forwarded.mbox"),
		},
	}
}

// applyEnvVars overrides configuration with non-empty GMAILER_* variables.
func (c *Config) applyEnvVars() {
	str := map[string]*string{
		"GMAILER_LOG_LEVEL":             &c.LogLevel,
		"GMAILER_USER_ID":               &c.UserID,
		"GMAILER_FORWARD_TO_ADDRESS":    &c.ForwardToAddress,
		"GMAILER_FORWARD_TO_NAME":       &c.ForwardToNameRaw,
		"GMAILER_SUBJECT_PREFIX":        &c.SubjectPrefixRaw,
		"GMAILER_LEDGER_DIR":            &c.Ledger.Dir,
		"GMAILER_MAILBOX_PASSWORD":      &c.Mailbox.Password,
		"GMAILER_GMAIL_CLIENT_ID":       &c.Gmail.ClientID,
		"GMAILER_GMAIL_CLIENT_SECRET":   &c.Gmail.ClientSecret,
		"GMAILER_SENDER_PASSWORD":       &c.Sender.Password,
		"GMAILER_SES_ACCESS_KEY_ID":     &c.Sender.SESAccessKeyID,
		"GMAILER_SES_SECRET_ACCESS_KEY": &c.Sender.SESSecretAccessKey,
	}
	for env, dst := range str {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"GMAILER_MAX_READ": &c.MaxReadRaw,
		"GMAILER_MAX_SEND": &c.MaxSendRaw,
	}
	for env, dst := range ints {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ForwardToAddress) == "" {
		return fmt.Errorf("forward_to_address is required")
	}

	switch c.Ledger.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("ledger.driver must be file or sqlite")
	}

	switch c.Mailbox.Protocol {
	case "gmail":
	case "imap", "pop3":
		if c.Mailbox.Host == "" {
			return fmt.Errorf("mailbox.host is required for %s", c.Mailbox.Protocol)
		}
		if c.Mailbox.Port == 0 {
			return fmt.Errorf("mailbox.port is required for %s", c.Mailbox.Protocol)
		}
	default:
		return fmt.Errorf("mailbox.protocol must be gmail, imap or pop3")
	}

	switch c.Sender.Protocol {
	case "gmail":
	case "smtp":
		if c.Sender.Host == "" {
			return fmt.Errorf("sender.host is required")
		}
		if c.Sender.Port == 0 {
			return fmt.Errorf("sender.port is required")
		}
	case "ses":
		if c.Sender.SESRegion == "" {
			return fmt.Errorf("sender.ses_region is required")
		}
	case "mbox":
		if c.Sender.MboxPath == "" {
			return fmt.Errorf("sender.mbox_path is required")
		}
	default:
		return fmt.Errorf("sender.protocol must be gmail, smtp, ses or mbox")
	}

	if c.UsesGmail() && (c.Gmail.ClientID == "" || c.Gmail.ClientSecret == "") {
		return fmt.Errorf("gmail.client_id and gmail.client_secret are required")
	}
	return nil
}

// UsesGmail reports whether either side of the pipeline talks to the Gmail API.
func (c *Config) UsesGmail() bool {
	return c.Mailbox.Protocol == "gmail" || c.Sender.Protocol == "gmail"
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
