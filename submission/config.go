package submission

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Defaults applied by DefaultConfig.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 5
	DefaultUserAgent  = "Beacon/1.0"
)

// ErrInvalidConfig is matched by every *ConfigError.
var ErrInvalidConfig = errors.New("submission: invalid config")

// Config describes the remote collector. It is validated once, when the
// client is built, and never changes afterwards.
type Config struct {
	// Endpoint is the collector URL batches are POSTed to. It must use
	// https unless the host is a loopback address.
	Endpoint string `json:"endpoint" validate:"required,secure_endpoint"`

	// APIKey is sent as X-API-Key when set.
	APIKey string `json:"-"`

	// SigningSecret, when set, signs every batch body with HMAC-SHA256.
	SigningSecret string `json:"-"`

	// Timeout bounds every request.
	Timeout time.Duration `json:"timeout" validate:"gt=0"`

	// MaxRetries is the number of failed submissions an entry survives.
	MaxRetries int `json:"max_retries" validate:"gte=0"`

	// UserAgent identifies the client. Empty means DefaultUserAgent.
	UserAgent string `json:"user_agent,omitempty"`
}

// DefaultConfig returns a Config for endpoint with default limits.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:   endpoint,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		UserAgent:  DefaultUserAgent,
	}
}

// ConfigError indicates an invalid Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "submission: invalid config: " + e.Field + ": " + e.Message
}

// Unwrap makes errors.Is(err, ErrInvalidConfig) true.
func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("secure_endpoint", validateEndpoint)
	return v
}

// Validate reports the first invalid field as a *ConfigError.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ConfigError{Field: "config", Message: err.Error()}
	}

	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return &ConfigError{Field: field, Message: "required"}
	case "secure_endpoint":
		return &ConfigError{Field: field, Message: "must be an absolute https URL (http allowed only for loopback hosts)"}
	case "gt":
		return &ConfigError{Field: field, Message: "must be positive"}
	case "gte":
		return &ConfigError{Field: field, Message: "must not be negative"}
	default:
		return &ConfigError{Field: field, Message: "invalid value"}
	}
}

func validateEndpoint(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return true
	case "http":
		return isLoopback(u.Hostname())
	default:
		return false
	}
}

func isLoopback(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
