// Package dispatch routes decoded RPC requests to command handlers and
// enforces the handshake policy.
package dispatch

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cory-johannsen/lobby/internal/protocol"
)

// Categories for organizing commands.
const (
	CategorySession = "session"
	CategoryMath    = "math"
	CategoryScript  = "script"
)

// Peer is the view of a connected peer that handlers may read and update.
type Peer interface {
	ID() int
	SessionID() string
	RemoteAddr() string
	Handshaked() bool
	MarkHandshaked(authorized bool) bool
	Touch(now time.Time)
}

// Request is one decoded command invocation.
type Request struct {
	Peer    Peer
	Message *protocol.Message
	// Now is the time the request was received.
	Now time.Time
}

// Params returns the request parameters.
func (r Request) Params() protocol.Params { return r.Message.Parameters }

// Reply is a handler's successful result.
type Reply struct {
	Result     string
	Parameters protocol.Params
}

// HandlerFunc executes a command. A returned error becomes the response Error.
type HandlerFunc func(req Request) (Reply, error)

// Command defines a remotely invocable command.
type Command struct {
	// Name is the canonical command name.
	Name string
	// Aliases are alternate names for this command.
	Aliases []string
	// Help is the short help text.
	Help string
	// Category groups the command.
	Category string
	// Handler executes the command.
	Handler HandlerFunc
}

// Registry maps command names and aliases to Command definitions.
// It is safe for concurrent use; Register may run while requests resolve.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command // canonical name → command
	aliases  map[string]string   // alias → canonical name
}

// NewRegistry creates a Registry populated with the given commands.
//
// Precondition: No two commands may share a canonical name or alias; every Handler must be non-nil.
// Postcondition: Returns a Registry or an error on name/alias collisions.
func NewRegistry(cmds []Command) (*Registry, error) {
	r := &Registry{
		commands: make(map[string]*Command, len(cmds)),
		aliases:  make(map[string]string),
	}
	for _, cmd := range cmds {
		if err := r.register(cmd); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry creates a Registry with all built-in commands.
//
// Postcondition: Returns a Registry with all built-in commands registered.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(BuiltinCommands())
	if err != nil {
		panic(fmt.Sprintf("building default registry: %v", err))
	}
	return r
}

// Register adds a command to the table.
//
// Postcondition: Returns an error, leaving the table unchanged, on a name/alias collision.
func (r *Registry) Register(cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(cmd)
}

func (r *Registry) register(cmd Command) error {
	if cmd.Name == "" {
		return fmt.Errorf("command name must not be empty")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %q has no handler", cmd.Name)
	}
	if _, exists := r.commands[cmd.Name]; exists {
		return fmt.Errorf("duplicate command name: %q", cmd.Name)
	}
	if _, exists := r.aliases[cmd.Name]; exists {
		return fmt.Errorf("command name %q conflicts with an existing alias", cmd.Name)
	}
	seen := make(map[string]bool, len(cmd.Aliases))
	for _, alias := range cmd.Aliases {
		if _, exists := r.commands[alias]; exists || alias == cmd.Name {
			return fmt.Errorf("alias %q conflicts with command name %q", alias, alias)
		}
		if existing, exists := r.aliases[alias]; exists {
			return fmt.Errorf("duplicate alias %q: used by %q and %q", alias, existing, cmd.Name)
		}
		if seen[alias] {
			return fmt.Errorf("duplicate alias %q on command %q", alias, cmd.Name)
		}
		seen[alias] = true
	}

	c := cmd
	r.commands[c.Name] = &c
	for _, alias := range c.Aliases {
		r.aliases[alias] = c.Name
	}
	return nil
}

// Resolve looks up a command by name or alias.
//
// Postcondition: Returns (command, true) if found, or (nil, false).
func (r *Registry) Resolve(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cmd, ok := r.commands[name]; ok {
		return cmd, true
	}
	if canonical, ok := r.aliases[name]; ok {
		return r.commands[canonical], true
	}
	return nil, false
}

// Commands returns all registered commands sorted by name.
func (r *Registry) Commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		result = append(result, cmd)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// CommandsByCategory returns commands grouped by category.
func (r *Registry) CommandsByCategory() map[string][]*Command {
	categories := make(map[string][]*Command)
	for _, cmd := range r.Commands() {
		categories[cmd.Category] = append(categories[cmd.Category], cmd)
	}
	return categories
}
