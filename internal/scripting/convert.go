package scripting

import (
	"encoding/json"

	lua "github.com/yuin/gopher-lua"

	"github.com/cory-johannsen/lobby/internal/dispatch"
	"github.com/cory-johannsen/lobby/internal/protocol"
)

// maxDepth bounds table conversion; deeper values (including cycles) become nil.
const maxDepth = 32

// paramsToTable converts request parameters into a Lua table. Absent or
// non-object parameters yield an empty table.
func paramsToTable(L *lua.LState, params protocol.Params) *lua.LTable {
	if !params.IsObject() {
		return L.NewTable()
	}
	var v map[string]any
	if err := json.Unmarshal(params, &v); err != nil {
		return L.NewTable()
	}
	return toLua(L, v).(*lua.LTable)
}

func peerToTable(L *lua.LState, peer dispatch.Peer) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "id", lua.LNumber(peer.ID()))
	L.SetField(t, "session_id", lua.LString(peer.SessionID()))
	L.SetField(t, "remote_addr", lua.LString(peer.RemoteAddr()))
	L.SetField(t, "handshaked", lua.LBool(peer.Handshaked()))
	return t
}

// toLua converts a value decoded by encoding/json into a Lua value.
func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case []any:
		t := L.CreateTable(len(x), 0)
		for _, e := range x {
			t.Append(toLua(L, e))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(x))
		for k, e := range x {
			t.RawSetString(k, toLua(L, e))
		}
		return t
	default:
		return lua.LNil
	}
}

// fromLua converts a Lua value into a JSON-encodable value. Tables whose keys
// are exactly 1..n become arrays; other tables become objects with
// stringified keys. Functions and userdata become nil.
func fromLua(v lua.LValue) any {
	return fromLuaDepth(v, 0)
}

func fromLuaDepth(v lua.LValue, depth int) any {
	switch x := v.(type) {
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return float64(x)
	case lua.LString:
		return string(x)
	case *lua.LTable:
		if depth >= maxDepth {
			return nil
		}
		return tableToGo(x, depth+1)
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, depth int) any {
	n := t.MaxN()
	keys := 0
	t.ForEach(func(lua.LValue, lua.LValue) { keys++ })

	if n > 0 && keys == n {
		arr := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			arr = append(arr, fromLuaDepth(t.RawGetInt(i), depth))
		}
		return arr
	}

	obj := make(map[string]any, keys)
	t.ForEach(func(k, val lua.LValue) {
		obj[k.String()] = fromLuaDepth(val, depth)
	})
	return obj
}
