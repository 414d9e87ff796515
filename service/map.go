package service

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"muxrpc/filter"
	"muxrpc/protocol"
	"muxrpc/session"
)

var (
	ErrFrozen           = errors.New("service: map is frozen")
	ErrDuplicateCommand = errors.New("service: command already registered")
	ErrDuplicateRoute   = errors.New("service: route already registered")
	ErrReservedCommand  = errors.New("service: command id is reserved")
	ErrInvalidHandler   = errors.New("service: handler must set Bind and Invoke")
)

// Map is the registration table built at configuration time. Once frozen
// it is read-only and safe for concurrent lookups.
type Map struct {
	mu       sync.RWMutex
	frozen   bool
	commands map[uint32]*Descriptor
	names    map[string]*Descriptor
	routes   []*Descriptor
	global   []*filter.Filter
	scopes   map[session.Kind]*filter.Scope
}

func NewMap() *Map {
	m := &Map{
		commands: make(map[uint32]*Descriptor),
		names:    make(map[string]*Descriptor),
		scopes:   make(map[session.Kind]*filter.Scope),
	}
	for _, k := range session.Kinds {
		m.scopes[k] = filter.NewScope(k)
	}
	return m
}

// Handle registers an action implemented here under a command id.
func (m *Map) Handle(cmd uint32, name string, h Handler, opts ...Option) error {
	if h.Bind == nil || h.Invoke == nil {
		return fmt.Errorf("%w: %s", ErrInvalidHandler, name)
	}
	d := &Descriptor{Command: cmd, Name: name, Role: RoleSelf, Handler: h}
	for _, opt := range opts {
		opt(d)
	}
	return m.addCommand(d)
}

// Remote declares an action the peer implements, so callers can address it
// by name.
func (m *Map) Remote(cmd uint32, name string) error {
	return m.addCommand(&Descriptor{Command: cmd, Name: name, Role: RoleRemote})
}

func (m *Map) addCommand(d *Descriptor) error {
	if d.Command == protocol.CommandHeartbeat {
		return fmt.Errorf("%w: %d", ErrReservedCommand, d.Command)
	}
	if err := validateFilters(d.Filters); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return ErrFrozen
	}
	if prev, dup := m.commands[d.Command]; dup {
		return fmt.Errorf("%w: %d is %s", ErrDuplicateCommand, d.Command, prev.Name)
	}
	m.commands[d.Command] = d
	if d.Name != "" {
		m.names[d.Name] = d
	}
	return nil
}

// Route registers an action reachable over HTTP. pattern uses httprouter
// syntax ("/users/:id").
func (m *Map) Route(method, pattern, name string, h Handler, opts ...Option) error {
	if h.Bind == nil || h.Invoke == nil {
		return fmt.Errorf("%w: %s", ErrInvalidHandler, name)
	}
	if method == "" {
		method = http.MethodPost
	}
	d := &Descriptor{Method: method, Pattern: pattern, Name: name, Role: RoleSelf, Handler: h}
	for _, opt := range opts {
		opt(d)
	}
	if err := validateFilters(d.Filters); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return ErrFrozen
	}
	for _, r := range m.routes {
		if r.Method == method && r.Pattern == pattern {
			return fmt.Errorf("%w: %s", ErrDuplicateRoute, d.Route())
		}
	}
	m.routes = append(m.routes, d)
	return nil
}

// Use registers global filters applied to every action on every protocol
// each filter supports.
func (m *Map) Use(fs ...*filter.Filter) error {
	if err := validateFilters(fs); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return ErrFrozen
	}
	m.global = append(m.global, fs...)
	return nil
}

// UseFor registers global filters for one protocol. A filter that does not
// support kind is rejected with filter.ErrIncompatibleFilter.
func (m *Map) UseFor(kind session.Kind, fs ...*filter.Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return ErrFrozen
	}
	scope, ok := m.scopes[kind]
	if !ok {
		return fmt.Errorf("service: unknown protocol kind %d", kind)
	}
	for _, f := range fs {
		if err := scope.Add(f); err != nil {
			return err
		}
	}
	return nil
}

// Freeze computes every action's pipeline per protocol and makes the map
// read-only. Calling it again is a no-op.
func (m *Map) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return
	}
	m.frozen = true
	for _, d := range m.commands {
		m.compile(d)
	}
	for _, d := range m.routes {
		m.compile(d)
	}
}

func (m *Map) compile(d *Descriptor) {
	if d.Role != RoleSelf {
		return
	}
	d.pipelines = make(map[session.Kind]*filter.Pipeline, len(session.Kinds))
	for _, kind := range session.Kinds {
		global := append(supported(m.global, kind), m.scopes[kind].Filters()...)
		d.pipelines[kind] = filter.New(filter.Select(global, supported(d.Filters, kind)))
	}
}

func (m *Map) Frozen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen
}

// Resolve finds the action registered under cmd.
func (m *Map) Resolve(cmd uint32) (*Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.commands[cmd]
	return d, ok
}

// Lookup finds a command action by name.
func (m *Map) Lookup(name string) (*Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.names[name]
	return d, ok
}

// Routes returns the HTTP actions in registration order.
func (m *Map) Routes() []*Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Descriptor, len(m.routes))
	copy(out, m.routes)
	return out
}

// Commands returns the command actions keyed by id.
func (m *Map) Commands() map[uint32]*Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint32]*Descriptor, len(m.commands))
	for k, v := range m.commands {
		out[k] = v
	}
	return out
}

func supported(fs []*filter.Filter, kind session.Kind) []*filter.Filter {
	out := make([]*filter.Filter, 0, len(fs))
	for _, f := range fs {
		if f.Supports(kind) {
			out = append(out, f)
		}
	}
	return out
}

func validateFilters(fs []*filter.Filter) error {
	for _, f := range fs {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}
