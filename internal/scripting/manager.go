package scripting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/dispatch"
	"github.com/cory-johannsen/lobby/internal/protocol"
)

// Manager owns the sandboxed VM that backs scripted commands.
//
// An LState is single-threaded; every load and call holds mu, so scripted
// commands from different peers run one at a time.
type Manager struct {
	mu        sync.Mutex
	state     *lua.LState
	instLimit int
	logger    *zap.Logger
}

// NewManager creates a Manager with no scripts loaded.
//
// Precondition: logger must be non-nil; instLimit >= 0 (0 uses DefaultInstructionLimit).
// Postcondition: Returns a non-nil Manager.
func NewManager(instLimit int, logger *zap.Logger) *Manager {
	return &Manager{instLimit: instLimit, logger: logger}
}

// LoadDir builds a fresh VM, registers the lobby.* module, then executes
// every *.lua file in dir in lexicographic order. The previous VM, if any, is
// replaced only when every file loads.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns the number of files loaded, or an error leaving the
// previous VM in place.
func (m *Manager) LoadDir(dir string) (int, error) {
	L := NewSandboxedState()
	m.RegisterModules(L)

	entries, err := os.ReadDir(dir)
	if err != nil {
		L.Close()
		return 0, fmt.Errorf("scripting: reading script dir %q: %w", dir, err)
	}

	var luaFiles []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(luaFiles)

	for _, path := range luaFiles {
		err := WithInstructionLimit(L, m.instLimit, func() error { return L.DoFile(path) })
		if err != nil {
			L.Close()
			return 0, fmt.Errorf("scripting: loading %q: %w", path, err)
		}
	}

	m.mu.Lock()
	old := m.state
	m.state = L
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}

	m.logger.Info("scripts loaded",
		zap.String("dir", dir),
		zap.Int("files", len(luaFiles)),
	)
	return len(luaFiles), nil
}

// HasFunction reports whether the loaded VM defines a global function named fn.
func (m *Manager) HasFunction(fn string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return false
	}
	return m.state.GetGlobal(fn).Type() == lua.LTFunction
}

// Call invokes the global Lua function fn as fn(params, peer) and maps its
// return value onto a reply:
//   - string, number or boolean: Result is its string form
//   - table: Result "ok", Parameters is the table as a JSON object
//   - nil or nothing: Result "ok"
//
// Postcondition: Returns a reply, or an error carrying the Lua failure.
func (m *Manager) Call(fn string, params protocol.Params, peer dispatch.Peer) (dispatch.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	L := m.state
	if L == nil {
		return dispatch.Reply{}, fmt.Errorf("script %s: no scripts loaded", fn)
	}
	f := L.GetGlobal(fn)
	if f.Type() != lua.LTFunction {
		return dispatch.Reply{}, fmt.Errorf("script %s: function not defined", fn)
	}

	args := []lua.LValue{paramsToTable(L, params), peerToTable(L, peer)}
	err := WithInstructionLimit(L, m.instLimit, func() error {
		return L.CallByParam(lua.P{Fn: f, NRet: 1, Protect: true}, args...)
	})
	if err != nil {
		m.logger.Warn("scripting: Lua runtime error",
			zap.String("function", fn),
			zap.Int("peer_id", peer.ID()),
			zap.Error(err),
		)
		return dispatch.Reply{}, fmt.Errorf("script %s: %s", fn, luaErrorMessage(err))
	}

	ret := L.Get(-1)
	L.Pop(1)
	return toReply(fn, ret)
}

// Commands builds one dispatch command per manifest entry.
//
// Precondition: Scripts must already be loaded.
// Postcondition: Returns an error naming the first entry whose function is not defined.
func (m *Manager) Commands(manifest *Manifest) ([]dispatch.Command, error) {
	cmds := make([]dispatch.Command, 0, len(manifest.Commands))
	for _, cs := range manifest.Commands {
		if !m.HasFunction(cs.Function) {
			return nil, fmt.Errorf("scripting: command %q: function %q not defined", cs.Name, cs.Function)
		}
		fn := cs.Function
		cmds = append(cmds, dispatch.Command{
			Name:     cs.Name,
			Aliases:  cs.Aliases,
			Help:     cs.Help,
			Category: dispatch.CategoryScript,
			Handler: func(req dispatch.Request) (dispatch.Reply, error) {
				return m.Call(fn, req.Params(), req.Peer)
			},
		})
	}
	return cmds, nil
}

// Register adds every manifest command to reg.
//
// Postcondition: On error, commands registered before the failing entry remain.
func (m *Manager) Register(reg *dispatch.Registry, manifest *Manifest) error {
	cmds, err := m.Commands(manifest)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		if err := reg.Register(cmd); err != nil {
			return fmt.Errorf("scripting: registering %q: %w", cmd.Name, err)
		}
		m.logger.Debug("scripted command registered", zap.String("command", cmd.Name))
	}
	return nil
}

// Close releases the VM.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil {
		m.state.Close()
		m.state = nil
	}
}

// Load reads cfg's manifest, loads cfg.Dir and registers the scripted
// commands into reg. A relative manifest path resolves against cfg.Dir.
//
// Precondition: cfg.Dir must be non-empty.
// Postcondition: Returns a Manager owning the VM, or an error.
func Load(cfg config.ScriptingConfig, reg *dispatch.Registry, logger *zap.Logger) (*Manager, error) {
	manifestPath := cfg.Manifest
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(cfg.Dir, manifestPath)
	}
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	m := NewManager(cfg.InstructionLimit, logger)
	if _, err := m.LoadDir(cfg.Dir); err != nil {
		return nil, err
	}
	if err := m.Register(reg, manifest); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func luaErrorMessage(err error) string {
	if apiErr, ok := err.(*lua.ApiError); ok {
		if s, ok := apiErr.Object.(lua.LString); ok {
			return string(s)
		}
	}
	return err.Error()
}

func toReply(fn string, ret lua.LValue) (dispatch.Reply, error) {
	switch v := ret.(type) {
	case *lua.LNilType:
		return dispatch.Reply{Result: "ok"}, nil
	case lua.LString:
		return dispatch.Reply{Result: string(v)}, nil
	case lua.LNumber:
		return dispatch.Reply{Result: v.String()}, nil
	case lua.LBool:
		return dispatch.Reply{Result: strconv.FormatBool(bool(v))}, nil
	case *lua.LTable:
		obj, ok := fromLua(v).(map[string]any)
		if !ok {
			return dispatch.Reply{}, fmt.Errorf("script %s: returned table must have string keys", fn)
		}
		b, err := json.Marshal(obj)
		if err != nil {
			return dispatch.Reply{}, fmt.Errorf("script %s: encoding result: %w", fn, err)
		}
		return dispatch.Reply{Result: "ok", Parameters: protocol.Params(b)}, nil
	default:
		return dispatch.Reply{}, fmt.Errorf("script %s: unsupported return type %s", fn, ret.Type())
	}
}
