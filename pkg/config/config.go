// Package config holds the runtime knobs of the engine and poller, loadable from YAML
// and overridable by flags.
package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Engine configures execution of a single workflow run.
type Engine struct {
	// InlineDelayThreshold is the longest delay waited in place instead of persisting a job.
	InlineDelayThreshold time.Duration `yaml:"inline_delay_threshold" validate:"min=0,max=1m"`
	// MaxUpdateRetries bounds optimistic concurrency retries on execution updates.
	MaxUpdateRetries int    `yaml:"max_update_retries"     validate:"min=1,max=50"`
	MaxJobDeliveries int    `yaml:"max_job_deliveries"     validate:"min=1"`
	Timezone         string `yaml:"timezone"               validate:"required,timezone"`
}

// Poller configures the queue poller.
type Poller struct {
	Schedule  string        `yaml:"schedule"   validate:"required"`
	Workers   int           `yaml:"workers"    validate:"min=1,max=256"`
	BatchSize int           `yaml:"batch_size" validate:"min=1,max=1000"`
	Lease     time.Duration `yaml:"lease"      validate:"min=1s"`
	Retention time.Duration `yaml:"retention"  validate:"min=0"`
	// ScheduleTriggers fires schedule triggers on every tick.
	ScheduleTriggers bool `yaml:"schedule_triggers"`
}

// Breaker configures the circuit breaker in front of each outbound channel.
type Breaker struct {
	// FailureThreshold consecutive transient failures open the circuit.
	FailureThreshold int           `yaml:"failure_threshold" validate:"min=1"`
	Cooldown         time.Duration `yaml:"cooldown"          validate:"min=1s"`
	// HalfOpenMax is how many trial sends pass while the circuit is half-open.
	HalfOpenMax int `yaml:"half_open_max" validate:"min=1"`
}

// File is the layout of careflow.yaml.
type File struct {
	Engine  Engine  `yaml:"engine"`
	Poller  Poller  `yaml:"poller"`
	Breaker Breaker `yaml:"breaker"`
}

func DefaultEngine() Engine {
	return Engine{
		InlineDelayThreshold: 5 * time.Second,
		MaxUpdateRetries:     10,
		MaxJobDeliveries:     5,
		Timezone:             "Asia/Seoul",
	}
}

func DefaultPoller() Poller {
	return Poller{
		Schedule:         "@every 1m",
		Workers:          4,
		BatchSize:        50,
		Lease:            5 * time.Minute,
		Retention:        24 * time.Hour,
		ScheduleTriggers: true,
	}
}

func DefaultBreaker() Breaker {
	return Breaker{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

func Default() File {
	return File{Engine: DefaultEngine(), Poller: DefaultPoller(), Breaker: DefaultBreaker()}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (e Engine) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}

	return nil
}

func (p Poller) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid poller config: %w", err)
	}

	return nil
}

func (b Breaker) Validate() error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("invalid breaker config: %w", err)
	}

	return nil
}

// Load reads a YAML file over the defaults. Keys missing from the file keep their default.
func Load(path string) (File, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := cfg.Engine.Validate(); err != nil {
		return cfg, err
	}

	if err := cfg.Poller.Validate(); err != nil {
		return cfg, err
	}

	if err := cfg.Breaker.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadOrDefault loads path when it is set, falling back to defaults when it is empty.
func LoadOrDefault(path string) (File, error) {
	if path == "" {
		return Default(), nil
	}

	return Load(path)
}
