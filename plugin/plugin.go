// Package plugin implements the typed plugin registry, lifecycle machine
// and hook fan-out.
package plugin

import (
	"context"
	"time"
)

// Type groups plugins by broad capability.
type Type string

const (
	TypeSecurity    Type = "security"
	TypePerformance Type = "performance"
	TypeCache       Type = "cache"
	TypeNetwork     Type = "network"
	TypeOther       Type = "other"
)

// Hook identifies one extension point.
type Hook string

const (
	HookServerStart   Hook = "onServerStart"
	HookServerStop    Hook = "onServerStop"
	HookRequestStart  Hook = "onRequestStart"
	HookRequestEnd    Hook = "onRequestEnd"
	HookRequestError  Hook = "onRequestError"
	HookRouteRegister Hook = "onRouteRegister"
	HookCacheHit      Hook = "onCacheHit"
	HookCacheMiss     Hook = "onCacheMiss"
	HookConsoleLog    Hook = "onConsoleLog"
)

// State is the lifecycle position of a plugin.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
	StateFailed      State = "failed"
)

// Event carries hook payload. Fields are set per hook; unused fields stay
// zero.
type Event struct {
	Hook      Hook
	RequestID string
	Method    string
	Path      string
	Status    int
	Err       error
	CacheKey  string
	Message   string
	Elapsed   time.Duration
}

// Plugin is the contract user plugins implement. Init and Start may block;
// the engine bounds them with a timeout.
type Plugin interface {
	ID() string
	Type() Type
	Priority() int

	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Hooks lists the hooks the plugin wants. OnHook is only called for
	// hooks in this list that the per-plugin permission policy allows.
	Hooks() []Hook
	OnHook(ctx context.Context, ev Event) error
}
