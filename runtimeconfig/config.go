// Package runtimeconfig loads the system-wide dispatch defaults from the
// environment and declarative router tables from YAML, mirroring
// picoclaw's own referenced pkg/config idiom (a typed config struct
// populated from env + file, consumed by its API server and integrations).
package runtimeconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/eventrouter/dispatch/aggregate"
	"github.com/eventrouter/dispatch/consistency"
	"github.com/eventrouter/dispatch/dispatch"
	"github.com/eventrouter/dispatch/lifespan"
)

// SystemDefaults is the environment-bound tier of §4.1's defaults-merge
// table, the lowest-precedence layer. Field tags follow caarlos0/env's
// struct-tag convention, same as every env-bound config struct in the
// picoclaw stack this is grounded on.
type SystemDefaults struct {
	ConsistencyLevel string `env:"DISPATCH_CONSISTENCY" envDefault:"eventual"`
	TimeoutMS        int    `env:"DISPATCH_TIMEOUT_MS" envDefault:"5000"`
	RetryAttempts    int    `env:"DISPATCH_RETRY_ATTEMPTS" envDefault:"10"`
	IdleTimeoutMS    int    `env:"DISPATCH_IDLE_TIMEOUT_MS" envDefault:"0"`
}

// LoadSystemDefaults reads SystemDefaults from the process environment.
func LoadSystemDefaults() (SystemDefaults, error) {
	var cfg SystemDefaults
	if err := env.Parse(&cfg); err != nil {
		return SystemDefaults{}, fmt.Errorf("runtimeconfig: parse env: %w", err)
	}
	return cfg, nil
}

// ToDispatchDefaults converts the env-bound config into dispatch.SystemDefaults,
// resolving string/int fields into their typed counterparts. It leaves
// Middleware empty: the built-in middleware list needs a consistency
// Coordinator, so callers set it (for example to middleware.Defaults).
func (c SystemDefaults) ToDispatchDefaults() (dispatch.SystemDefaults, error) {
	level, err := parseConsistency(c.ConsistencyLevel)
	if err != nil {
		return dispatch.SystemDefaults{}, err
	}

	lifespanPolicy := defaultLifespan(c.IdleTimeoutMS)

	return dispatch.SystemDefaults{
		Consistency:   level,
		Returning:     aggregate.ReturningNone,
		Timeout:       time.Duration(c.TimeoutMS) * time.Millisecond,
		RetryAttempts: c.RetryAttempts,
		Lifespan:      lifespanPolicy,
	}, nil
}

func parseConsistency(s string) (consistency.Level, error) {
	switch s {
	case "", "eventual":
		return consistency.Eventual(), nil
	case "strong":
		return consistency.Strong(), nil
	default:
		return consistency.Level{}, fmt.Errorf("runtimeconfig: unknown consistency level %q", s)
	}
}

// RouterTable is the declarative, YAML-loadable shape of a set of
// RoutingEntry registrations: aggregate kind, identify directive, and
// per-command overrides. Handlers/Apply/InitialState functions cannot be
// expressed in YAML, so this only covers the data half of registration;
// callers still supply the function fields in code and merge them in.
type RouterTable struct {
	Aggregates []AggregateRoute `yaml:"aggregates"`
}

// AggregateRoute is one aggregate kind's declarative routing config.
type AggregateRoute struct {
	Kind           string         `yaml:"kind"`
	IdentityField  string         `yaml:"identity_field"`
	IdentityPrefix string         `yaml:"identity_prefix"`
	Commands       []CommandRoute `yaml:"commands"`
}

// CommandRoute is one command kind's declarative overrides.
type CommandRoute struct {
	Kind          string `yaml:"kind"`
	Consistency   string `yaml:"consistency"`
	Returning     string `yaml:"returning"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	RetryAttempts int    `yaml:"retry_attempts"`
}

// LoadRouterTable reads and parses a RouterTable from a YAML file.
func LoadRouterTable(path string) (RouterTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RouterTable{}, fmt.Errorf("runtimeconfig: read %s: %w", path, err)
	}
	table, err := ParseRouterTable(data)
	if err != nil {
		return RouterTable{}, fmt.Errorf("runtimeconfig: parse %s: %w", path, err)
	}
	return table, nil
}

// ParseRouterTable parses YAML-encoded router table bytes, shared by
// LoadRouterTable (file on disk) and callers that embed their table via
// go:embed instead of reading a path at runtime.
func ParseRouterTable(data []byte) (RouterTable, error) {
	var table RouterTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return RouterTable{}, fmt.Errorf("runtimeconfig: unmarshal router table: %w", err)
	}
	return table, nil
}

// AggregateBinding supplies the function fields a RouterTable's
// AggregateRoute cannot express in YAML: the fold function, zero state,
// and lifespan policy for one aggregate kind.
type AggregateBinding struct {
	Apply        aggregate.ApplyFunc
	InitialState func() any
	Lifespan     lifespan.Policy
}

// CommandBinding supplies the handler function a RouterTable's
// CommandRoute cannot express in YAML.
type CommandBinding struct {
	Handler aggregate.Handler
}

// ApplyRouterTable drives router.Register from table's declarative
// aggregates/commands, resolving each aggregate kind's fold/handler
// functions from aggregates/commands (keyed by AggregateRoute.Kind and
// CommandRoute.Kind respectively) and each command's consistency/
// returning/timeout/retry_attempts overrides from the YAML data. This is
// the "config-first" registration path spec.md §9's "metaprogrammed
// router -> data-driven routing table" redesign flag calls for,
// complementing rather than replacing direct calls to router.Register.
func ApplyRouterTable(router *dispatch.Router, table RouterTable, aggregates map[string]AggregateBinding, commands map[string]CommandBinding) error {
	for _, agg := range table.Aggregates {
		binding, ok := aggregates[agg.Kind]
		if !ok {
			return fmt.Errorf("runtimeconfig: aggregate kind %q: no AggregateBinding supplied", agg.Kind)
		}
		if agg.IdentityField != "" {
			router.IdentifyAggregate(agg.Kind, dispatch.ByField(agg.IdentityField), dispatch.Literal(agg.IdentityPrefix))
		}

		for _, cmdRoute := range agg.Commands {
			cmdBinding, ok := commands[cmdRoute.Kind]
			if !ok {
				return fmt.Errorf("runtimeconfig: command kind %q: no CommandBinding supplied", cmdRoute.Kind)
			}

			cfg := dispatch.Config{
				Handler:              cmdBinding.Handler,
				AggregateKind:        agg.Kind,
				Apply:                binding.Apply,
				InitialState:         binding.InitialState,
				Lifespan:             binding.Lifespan,
				DefaultTimeout:       time.Duration(cmdRoute.TimeoutMS) * time.Millisecond,
				DefaultRetryAttempts: cmdRoute.RetryAttempts,
			}
			if cmdRoute.Consistency != "" {
				level, err := parseConsistency(cmdRoute.Consistency)
				if err != nil {
					return fmt.Errorf("runtimeconfig: command %q: %w", cmdRoute.Kind, err)
				}
				cfg.DefaultConsistency = &level
			}
			if cmdRoute.Returning != "" {
				mode, err := parseReturning(cmdRoute.Returning)
				if err != nil {
					return fmt.Errorf("runtimeconfig: command %q: %w", cmdRoute.Kind, err)
				}
				cfg.DefaultReturning = mode
			}

			if err := router.Register(cmdRoute.Kind, cfg); err != nil {
				return fmt.Errorf("runtimeconfig: register %q: %w", cmdRoute.Kind, err)
			}
		}
	}
	return nil
}

func parseReturning(s string) (aggregate.ReturningMode, error) {
	switch s {
	case "none":
		return aggregate.ReturningNone, nil
	case "aggregate_version":
		return aggregate.ReturningAggregateVersion, nil
	case "aggregate_state":
		return aggregate.ReturningAggregateState, nil
	case "execution_result":
		return aggregate.ReturningExecutionResult, nil
	default:
		return aggregate.ReturningNone, fmt.Errorf("runtimeconfig: unknown returning mode %q", s)
	}
}

func defaultLifespan(idleTimeoutMS int) lifespan.Policy {
	if idleTimeoutMS <= 0 {
		return lifespan.KeepAliveForever()
	}
	return lifespan.IdleTimeout(time.Duration(idleTimeoutMS) * time.Millisecond)
}
