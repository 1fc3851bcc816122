package apns

import (
	"fmt"
	"time"
)

// Production gateway endpoints.
const (
	Host         = "gateway.push.apple.com"
	Port         = 2195
	FeedbackHost = "feedback.push.apple.com"
	FeedbackPort = 2196
)

// Sandbox gateway endpoints.
const (
	SandboxHost         = "gateway.sandbox.push.apple.com"
	SandboxFeedbackHost = "feedback.sandbox.push.apple.com"
)

// Client defaults applied by New when the corresponding Config field is
// left zero.
const (
	// DefaultErrorTimeout bounds the blocking error check performed after
	// the last batch. Between batches the check is non-blocking.
	DefaultErrorTimeout = 10 * time.Second

	// DefaultExpirationOffset is added to the current time when a send
	// call does not override the expiration.
	DefaultExpirationOffset = 30 * 24 * time.Hour

	// DefaultBatchSize is the number of notifications packed into one
	// socket write. Set conservatively low: batching amortizes write
	// overhead, but very large batches run into TCP buffering.
	DefaultBatchSize = 100

	// DefaultRetries is the shared budget for reconnect-and-retry cycles
	// within one send call.
	DefaultRetries = 5
)

// Config holds the client configuration. It is validated once at client
// creation; there is no runtime reconfiguration.
type Config struct {
	// Certificate is the path to the client certificate: a PEM bundle
	// holding certificate and key, or a PKCS#12 archive. Required.
	Certificate string

	// CertificatePassword decrypts a PKCS#12 archive. Ignored for PEM.
	CertificatePassword string

	Host string
	Port int

	FeedbackHost string
	FeedbackPort int

	// ErrorTimeout is the default bounded wait for an error frame after
	// the final batch of a send call.
	ErrorTimeout time.Duration

	// ExpirationOffset is the default offset added to now for the
	// notification expiration.
	ExpirationOffset time.Duration

	// BatchSize is the default number of notifications per socket write.
	BatchSize int

	// Retries is the default retry budget per send call.
	Retries int

	// MaxPayloadLength enables alert truncation when > 0: payloads longer
	// than this are shortened to fit. 0 disables truncation.
	MaxPayloadLength int
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Certificate == "" {
		return fmt.Errorf("certificate is required")
	}
	return nil
}

// withDefaults fills zero fields with production defaults.
func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = Host
	}
	if c.Port == 0 {
		c.Port = Port
	}
	if c.FeedbackHost == "" {
		c.FeedbackHost = FeedbackHost
	}
	if c.FeedbackPort == 0 {
		c.FeedbackPort = FeedbackPort
	}
	if c.ErrorTimeout == 0 {
		c.ErrorTimeout = DefaultErrorTimeout
	}
	if c.ExpirationOffset == 0 {
		c.ExpirationOffset = DefaultExpirationOffset
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	return c
}

// sandbox swaps in the sandbox endpoints unless hosts were set explicitly.
func (c Config) sandbox() Config {
	if c.Host == "" {
		c.Host = SandboxHost
	}
	if c.FeedbackHost == "" {
		c.FeedbackHost = SandboxFeedbackHost
	}
	return c
}
