package brio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the root of every environment override: the variable for
// field F of processor P is BRIO_<P>_<F>, uppercased, path segments
// joined by underscores.
const EnvPrefix = "brio"

// ProcSettings is the base every processor settings struct embeds by
// value:
//
//	type EchoSettings struct {
//		brio.ProcSettings
//		Greeting string `envconfig:"GREETING" default:"hello"`
//	}
//
// Zero fields fall back to the bus defaults at Spawn time.
type ProcSettings struct {
	// QueueDepth overrides the bus default queue capacity.
	QueueDepth int `envconfig:"QUEUE_DEPTH"`

	// RunMode picks the scheduler at spawn time: 0 shared, 1 one
	// dedicated OS thread, n>1 a pool of n locked threads.
	RunMode int `envconfig:"RUN_MODE" default:"0"`

	// RestartMin and RestartMax bound the restart backoff, which
	// doubles on every consecutive failure and resets once the
	// processor stayed up HealthyAfter.
	RestartMin   time.Duration `envconfig:"RESTART_MIN" default:"1s"`
	RestartMax   time.Duration `envconfig:"RESTART_MAX" default:"30s"`
	HealthyAfter time.Duration `envconfig:"HEALTHY_AFTER" default:"1m"`

	// ResponseBudget is the default deadline tracked for requests the
	// processor emits.
	ResponseBudget time.Duration `envconfig:"RESPONSE_BUDGET" default:"5s"`

	Observability ObsSettings `envconfig:"OBS"`
}

// ObsSettings configures the processor's log output. A raw trace log
// and a structured sink are mutually exclusive: asking for both is a
// configuration error, not a silent preference.
type ObsSettings struct {
	Level string `envconfig:"LEVEL" default:"info"`

	// TraceLogPath appends raw exchange traces to a file.
	TraceLogPath string `envconfig:"TRACE_LOG_PATH"`

	// StructuredTarget routes structured records to "stdout" or
	// "stderr".
	StructuredTarget string `envconfig:"STRUCTURED_TARGET"`
}

func (o ObsSettings) Validate() error {
	if o.TraceLogPath != "" && o.StructuredTarget != "" {
		return fmt.Errorf(
			"%w: trace log (%q) and structured sink (%q) are exclusive, configure one",
			ErrProcSettings, o.TraceLogPath, o.StructuredTarget)
	}
	switch strings.ToLower(o.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrProcSettings, o.Level)
	}
	return nil
}

// SlogLevel maps the configured level on the slog scale.
func (o ObsSettings) SlogLevel() slog.Level {
	switch strings.ToLower(o.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// configured reports whether any observability field was set, so a
// zero value keeps the bus logger untouched.
func (o ObsSettings) configured() bool {
	return o.Level != "" || o.TraceLogPath != "" || o.StructuredTarget != ""
}

// Handler builds the slog handler the settings describe. With no sink
// configured the fallback handler is kept, gated to the configured
// level; a nil fallback means the process default.
func (o ObsSettings) Handler(fallback slog.Handler) (slog.Handler, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: o.SlogLevel()}
	switch {
	case o.TraceLogPath != "":
		f, err := os.OpenFile(o.TraceLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: trace log: %w", ErrProcSettings, err)
		}
		return slog.NewTextHandler(f, opts), nil
	case strings.EqualFold(o.StructuredTarget, "stdout"):
		return slog.NewJSONHandler(os.Stdout, opts), nil
	case strings.EqualFold(o.StructuredTarget, "stderr"):
		return slog.NewJSONHandler(os.Stderr, opts), nil
	case o.StructuredTarget != "":
		return nil, fmt.Errorf("%w: unknown structured target %q", ErrProcSettings, o.StructuredTarget)
	}
	if fallback == nil {
		fallback = slog.Default().Handler()
	}
	return leveledHandler{Handler: fallback, min: o.SlogLevel()}, nil
}

// leveledHandler gates an existing handler to a minimum level.
type leveledHandler struct {
	slog.Handler
	min slog.Level
}

func (l leveledHandler) Enabled(ctx context.Context, lv slog.Level) bool {
	return lv >= l.min && l.Handler.Enabled(ctx, lv)
}

func (l leveledHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return leveledHandler{Handler: l.Handler.WithAttrs(attrs), min: l.min}
}

func (l leveledHandler) WithGroup(name string) slog.Handler {
	return leveledHandler{Handler: l.Handler.WithGroup(name), min: l.min}
}

func (s ProcSettings) Validate() error {
	if s.QueueDepth < 0 {
		return fmt.Errorf("%w: negative queue depth", ErrProcSettings)
	}
	if s.RunMode < 0 {
		return fmt.Errorf("%w: negative run mode", ErrProcSettings)
	}
	if s.RestartMin < 0 || s.RestartMax < 0 {
		return fmt.Errorf("%w: negative restart backoff", ErrProcSettings)
	}
	if s.RestartMin > 0 && s.RestartMax > 0 && s.RestartMin > s.RestartMax {
		return fmt.Errorf("%w: restart backoff floor above ceiling", ErrProcSettings)
	}
	return s.Observability.Validate()
}

func (s *ProcSettings) applyDefaults(c *config) {
	if s.QueueDepth == 0 {
		s.QueueDepth = c.queueDepth
	}
	if s.RestartMin == 0 {
		s.RestartMin = time.Second
	}
	if s.RestartMax == 0 {
		s.RestartMax = 30 * time.Second
	}
	if s.RestartMax < s.RestartMin {
		s.RestartMax = s.RestartMin
	}
	if s.HealthyAfter == 0 {
		s.HealthyAfter = time.Minute
	}
	if s.ResponseBudget == 0 {
		s.ResponseBudget = 5 * time.Second
	}
}

// LoadSettings fills dst from the environment, honouring `envconfig`
// tags and their defaults. proc scopes the variables to one processor;
// leave it empty for bus-wide settings.
func LoadSettings(proc string, dst any) error {
	prefix := EnvPrefix
	if proc != "" {
		clean := strings.NewReplacer("-", "_", ".", "_").Replace(proc)
		prefix = EnvPrefix + "_" + clean
	}
	if err := envconfig.Process(prefix, dst); err != nil {
		return fmt.Errorf("%w: %w", ErrProcSettings, err)
	}
	if v, ok := dst.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}
