package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// RegisterModules registers the lobby.* Lua table into L.
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: lobby global is defined in L.
func (m *Manager) RegisterModules(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "log", L.NewFunction(m.luaLog))
	L.SetGlobal("lobby", mod)
}

// luaLog implements lobby.log(msg [, level]).
func (m *Manager) luaLog(L *lua.LState) int {
	msg := L.CheckString(1)
	level := L.OptString(2, "info")
	switch level {
	case "debug":
		m.logger.Debug(msg, zap.String("source", "lua"))
	case "warn":
		m.logger.Warn(msg, zap.String("source", "lua"))
	case "error":
		m.logger.Error(msg, zap.String("source", "lua"))
	default:
		m.logger.Info(msg, zap.String("source", "lua"))
	}
	return 0
}
