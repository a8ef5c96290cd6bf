package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("plugin not found")
	ErrDuplicatePlugin = errors.New("duplicate plugin id")
	ErrInvalidSchema   = errors.New("invalid config schema")
	ErrInvalidConfig   = errors.New("config does not match schema")
)

// Category classifies what a plugin monitors.
type Category string

const (
	CategorySystem      Category = "system"
	CategoryNetwork     Category = "network"
	CategoryStorage     Category = "storage"
	CategorySecurity    Category = "security"
	CategoryApplication Category = "application"
	CategoryCustom      Category = "custom"
)

func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategorySystem, CategoryNetwork, CategoryStorage, CategorySecurity, CategoryApplication, CategoryCustom:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// HealthStatus is the derived reliability classification of a plugin.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Payload is the structured result of one collection run:
// measurement name -> value, plus free-form metadata.
type Payload map[string]any

// Collector is the fixed capability contract for builtin plugins.
// External reporter plugins have no Collector; they push observations
// through the authenticated report endpoints instead.
type Collector interface {
	Collect(ctx context.Context) (Payload, error)
}

// HealthReporter is an optional collector capability.
type HealthReporter interface {
	HealthCheck(ctx context.Context) (status string, err error)
}

// ConfigSink is an optional collector capability. The registry pushes the
// effective config blob after discovery and on every successful update.
type ConfigSink interface {
	ApplyConfig(cfg map[string]any) error
}

// EnableHooks is an optional collector capability. Hook failures are logged
// but never block the enable/disable state transition.
type EnableHooks interface {
	OnEnable(ctx context.Context) error
	OnDisable(ctx context.Context) error
}

// FieldSpec describes one declared config field.
type FieldSpec struct {
	Type     string `json:"type"` // string | number | bool
	Required bool   `json:"required,omitempty"`
}

// ConfigSchema declares the shape of a plugin's configuration blob.
type ConfigSchema map[string]FieldSpec

// Definition is what a plugin contributes to the catalog.
type Definition struct {
	ID        string
	Name      string
	Category  Category
	Schema    ConfigSchema
	Defaults  map[string]any
	Collector Collector // nil for externally registered reporter plugins
}

// Plugin is the engine-facing view of a registered plugin.
type Plugin struct {
	ID                  string
	Name                string
	Category            Category
	Enabled             bool
	Builtin             bool
	Config              map[string]any
	Schema              ConfigSchema
	Health              HealthStatus
	ConsecutiveFailures int
	LastExecution       time.Time
	LastSuccess         time.Time
}

// Filter narrows List results. Nil fields match everything.
type Filter struct {
	Category *Category
	Enabled  *bool
}

// Runnable pairs an enabled plugin with its collector for dispatch.
type Runnable struct {
	Plugin    Plugin
	Collector Collector
}
