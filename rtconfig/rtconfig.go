// Package rtconfig loads the declarative topology for a Scheduler/IOManager
// pair from a YAML document, for embedders that want to describe worker
// counts and fiber defaults without wiring them up in code by hand.
package rtconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/codefiber/fibercore/fiber"
)

// SchedulerConfig mirrors the Scheduler{threads, useCaller, name} shape.
// UseCaller is a pointer so an explicit "useCaller: false" in YAML can be
// told apart from the field being omitted entirely.
type SchedulerConfig struct {
	Threads   int    `yaml:"threads"`
	UseCaller *bool  `yaml:"useCaller"`
	Name      string `yaml:"name"`
}

// UseCallerOrDefault returns the configured UseCaller, or true if unset.
func (c *SchedulerConfig) UseCallerOrDefault() bool {
	return c.UseCaller == nil || *c.UseCaller
}

// FiberConfig mirrors the Fiber{stacksize, runInScheduler} shape.
type FiberConfig struct {
	StackSize      uint32 `yaml:"stacksize"`
	RunInScheduler *bool  `yaml:"runInScheduler"`
}

// TimerConfig mirrors the Timer{periodMs, recurring} shape.
type TimerConfig struct {
	PeriodMs  int64 `yaml:"periodMs"`
	Recurring bool  `yaml:"recurring"`
}

// IOManagerConfig mirrors the IOManager{threads, useCaller, name} shape.
// UseCaller is a pointer for the same reason as SchedulerConfig.UseCaller.
type IOManagerConfig struct {
	Threads   int    `yaml:"threads"`
	UseCaller *bool  `yaml:"useCaller"`
	Name      string `yaml:"name"`
}

// UseCallerOrDefault returns the configured UseCaller, or true if unset.
func (c *IOManagerConfig) UseCallerOrDefault() bool {
	return c.UseCaller == nil || *c.UseCaller
}

// Config is the top-level document a host process describes scheduler
// topology with. Any section left out of the YAML takes its default.
type Config struct {
	Scheduler *SchedulerConfig `yaml:"scheduler,omitempty"`
	Fiber     *FiberConfig     `yaml:"fiber,omitempty"`
	Timer     *TimerConfig     `yaml:"timer,omitempty"`
	IOManager *IOManagerConfig `yaml:"ioManager,omitempty"`
}

// Defaults matches spec.md's §6 configuration defaults exactly.
func Defaults() *Config {
	yes := true
	return &Config{
		Scheduler: &SchedulerConfig{Threads: 1, UseCaller: &yes, Name: "Scheduler"},
		Fiber:     &FiberConfig{StackSize: fiber.DefaultStackSize, RunInScheduler: &yes},
		Timer:     &TimerConfig{Recurring: false},
		IOManager: &IOManagerConfig{Threads: 1, UseCaller: &yes, Name: "IOManager"},
	}
}

// Load reads and parses a YAML document at path, applying Defaults for any
// section or field the document omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rtconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a YAML document from memory, applying Defaults for any
// section or field it omits.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("rtconfig: parse: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	d := Defaults()

	if cfg.Scheduler == nil {
		cfg.Scheduler = d.Scheduler
	} else {
		if cfg.Scheduler.Threads == 0 {
			cfg.Scheduler.Threads = d.Scheduler.Threads
		}
		if cfg.Scheduler.Name == "" {
			cfg.Scheduler.Name = d.Scheduler.Name
		}
		if cfg.Scheduler.UseCaller == nil {
			cfg.Scheduler.UseCaller = d.Scheduler.UseCaller
		}
	}

	if cfg.Fiber == nil {
		cfg.Fiber = d.Fiber
	} else {
		if cfg.Fiber.StackSize == 0 {
			cfg.Fiber.StackSize = d.Fiber.StackSize
		}
		if cfg.Fiber.RunInScheduler == nil {
			cfg.Fiber.RunInScheduler = d.Fiber.RunInScheduler
		}
	}

	if cfg.Timer == nil {
		cfg.Timer = d.Timer
	}

	if cfg.IOManager == nil {
		cfg.IOManager = d.IOManager
	} else {
		if cfg.IOManager.Threads == 0 {
			cfg.IOManager.Threads = d.IOManager.Threads
		}
		if cfg.IOManager.Name == "" {
			cfg.IOManager.Name = d.IOManager.Name
		}
		if cfg.IOManager.UseCaller == nil {
			cfg.IOManager.UseCaller = d.IOManager.UseCaller
		}
	}
}
