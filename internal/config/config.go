package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the broadcast API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Telnyx    TelnyxConfig
	Broadcast BroadcastConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for hosted-Postgres posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

// TelnyxConfig covers both voice (call control) and messaging credentials.
type TelnyxConfig struct {
	APIKey        string
	ConnectionID  string
	FromNumber    string
	MessagingFrom string
	WebhookURL    string
}

// BroadcastConfig is the single policy object driving the call state machine
// and the batch dispatcher. Every knob that used to vary between handler
// variants lives here.
type BroadcastConfig struct {
	// OperatorNumber receives transferred inbound calls.
	OperatorNumber string

	// MinAnsweredDuration is the floor between answer and hangup. Hanging up
	// earlier truncates playback and trips provider short-call warnings.
	MinAnsweredDuration time.Duration

	// VoicemailSpeakDelay is waited after a machine greeting ends before
	// speaking, so the start of the message is not clipped.
	VoicemailSpeakDelay time.Duration

	// DefaultHangupDelay applies when no answer timestamp is available.
	DefaultHangupDelay time.Duration

	// SMSFallbackCauses lists hangup causes that trigger the SMS fallback.
	SMSFallbackCauses []string

	// ConsentFlow enables the DTMF consent gather after the script.
	ConsentFlow         bool
	ConsentAcceptDigit  string
	ConsentDeclineDigit string
	MaxGatherAttempts   int

	// DialWindow bounds concurrent call creations in one batch.
	DialWindow int

	// ChannelLimit is the provider's simultaneous-call cap for the account.
	ChannelLimit int

	// Capacity retry backoff: base + increment*hits, capped at max.
	CapacityRetryBase      time.Duration
	CapacityRetryIncrement time.Duration
	CapacityRetryMax       time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Telnyx.APIKey = os.Getenv("TELNYX_API_KEY")
	c.Telnyx.ConnectionID = strings.TrimSpace(os.Getenv("TELNYX_CONNECTION_ID"))
	c.Telnyx.FromNumber = strings.TrimSpace(os.Getenv("TELNYX_FROM_NUMBER"))
	c.Telnyx.MessagingFrom = strings.TrimSpace(os.Getenv("TELNYX_MESSAGING_FROM"))
	c.Telnyx.WebhookURL = strings.TrimSpace(os.Getenv("TELNYX_WEBHOOK_URL"))

	c.Broadcast.OperatorNumber = strings.TrimSpace(os.Getenv("OPERATOR_NUMBER"))
	c.Broadcast.MinAnsweredDuration = optDuration("BROADCAST_MIN_ANSWERED_DURATION")
	c.Broadcast.VoicemailSpeakDelay = optDuration("BROADCAST_VOICEMAIL_SPEAK_DELAY")
	c.Broadcast.DefaultHangupDelay = optDuration("BROADCAST_DEFAULT_HANGUP_DELAY")
	c.Broadcast.SMSFallbackCauses = splitList(os.Getenv("BROADCAST_SMS_FALLBACK_CAUSES"))
	c.Broadcast.ConsentFlow = optBool("BROADCAST_CONSENT_FLOW")
	c.Broadcast.ConsentAcceptDigit = strings.TrimSpace(os.Getenv("BROADCAST_CONSENT_ACCEPT_DIGIT"))
	c.Broadcast.ConsentDeclineDigit = strings.TrimSpace(os.Getenv("BROADCAST_CONSENT_DECLINE_DIGIT"))
	c.Broadcast.MaxGatherAttempts = optInt("BROADCAST_MAX_GATHER_ATTEMPTS")
	c.Broadcast.DialWindow = optInt("BROADCAST_DIAL_WINDOW")
	c.Broadcast.ChannelLimit = optInt("BROADCAST_CHANNEL_LIMIT")
	c.Broadcast.CapacityRetryBase = optDuration("BROADCAST_CAPACITY_RETRY_BASE")
	c.Broadcast.CapacityRetryIncrement = optDuration("BROADCAST_CAPACITY_RETRY_INCREMENT")
	c.Broadcast.CapacityRetryMax = optDuration("BROADCAST_CAPACITY_RETRY_MAX")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if c.DB.SSLMode == "" && !c.IsProduction() {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}
	c.Broadcast = c.Broadcast.WithDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// WithDefaults fills policy knobs that are optional in env.
func (b BroadcastConfig) WithDefaults() BroadcastConfig {
	out := b
	if out.MinAnsweredDuration <= 0 {
		out.MinAnsweredDuration = 6 * time.Second
	}
	if out.VoicemailSpeakDelay <= 0 {
		out.VoicemailSpeakDelay = 1 * time.Second
	}
	if out.DefaultHangupDelay <= 0 {
		out.DefaultHangupDelay = 2 * time.Second
	}
	if len(out.SMSFallbackCauses) == 0 {
		out.SMSFallbackCauses = []string{"not_found", "busy", "call_rejected", "cancel", "normal_clearing", "timeout"}
	}
	if out.ConsentAcceptDigit == "" {
		out.ConsentAcceptDigit = "1"
	}
	if out.ConsentDeclineDigit == "" {
		out.ConsentDeclineDigit = "2"
	}
	if out.MaxGatherAttempts <= 0 {
		out.MaxGatherAttempts = 3
	}
	if out.DialWindow <= 0 {
		out.DialWindow = 8
	}
	if out.ChannelLimit <= 0 {
		out.ChannelLimit = 10
	}
	if out.CapacityRetryBase <= 0 {
		out.CapacityRetryBase = 2 * time.Second
	}
	if out.CapacityRetryIncrement <= 0 {
		out.CapacityRetryIncrement = 1 * time.Second
	}
	if out.CapacityRetryMax <= 0 {
		out.CapacityRetryMax = 10 * time.Second
	}
	return out
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		}
	} else if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Telnyx.APIKey == "" {
		errs = append(errs, errors.New("TELNYX_API_KEY is required"))
	}
	if c.Telnyx.ConnectionID == "" {
		errs = append(errs, errors.New("TELNYX_CONNECTION_ID is required"))
	}
	if c.Telnyx.FromNumber == "" {
		errs = append(errs, errors.New("TELNYX_FROM_NUMBER is required"))
	}

	if c.Broadcast.ConsentFlow && c.Broadcast.ConsentAcceptDigit == c.Broadcast.ConsentDeclineDigit {
		errs = append(errs, errors.New("consent accept and decline digits must differ"))
	}
	if c.Broadcast.OperatorNumber == "" && c.IsProduction() {
		errs = append(errs, errors.New("OPERATOR_NUMBER is required in production"))
	}
	if c.Broadcast.CapacityRetryMax < c.Broadcast.CapacityRetryBase {
		errs = append(errs, errors.New("BROADCAST_CAPACITY_RETRY_MAX must be >= BROADCAST_CAPACITY_RETRY_BASE"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// SMSFrom returns the messaging sender, falling back to the voice number.
func (c Config) SMSFrom() string {
	if c.Telnyx.MessagingFrom != "" {
		return c.Telnyx.MessagingFrom
	}
	return c.Telnyx.FromNumber
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func optDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
