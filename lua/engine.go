package lua

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-lite/storage"
	lua "github.com/yuin/gopher-lua"
)

// DefaultTimeLimit bounds the run time of a single script
const DefaultTimeLimit = 5 * time.Second

var (
	// ErrNoScript is returned by EvalSHA for an unknown digest
	ErrNoScript = errors.New("NOSCRIPT No matching script. Please use EVAL.")

	// ErrTimeLimit is returned when a script runs past the time limit
	ErrTimeLimit = errors.New("ERR Error running script: script exceeded the time limit")

	// ErrAborted is returned when the caller's context ends mid-script
	ErrAborted = errors.New("ERR Error running script: script aborted")
)

// WriteGuard is consulted before a script writes to the store. A non-nil
// error aborts the call.
type WriteGuard func(cmd string) error

// WriteObserver is told about every write a script performed, in the form
// it should be replayed on replicas
type WriteObserver func(cmd string, args []string)

// Engine provides Redis-compatible Lua script execution over the string
// store
type Engine struct {
	storage storage.Storage
	scripts sync.Map // map[string]string - SHA1 -> script content

	guard     WriteGuard
	observer  WriteObserver
	timeLimit time.Duration
}

// NewEngine creates a new Lua execution engine
func NewEngine(store storage.Storage) *Engine {
	return &Engine{
		storage:   store,
		timeLimit: DefaultTimeLimit,
	}
}

// SetTimeLimit sets how long a script may run before it is aborted.
// Zero removes the limit.
func (e *Engine) SetTimeLimit(limit time.Duration) {
	e.timeLimit = limit
}

// SetWriteGuard installs the check run before SET and DEL
func (e *Engine) SetWriteGuard(guard WriteGuard) {
	e.guard = guard
}

// SetWriteObserver installs the callback run after each successful write
func (e *Engine) SetWriteObserver(observer WriteObserver) {
	e.observer = observer
}

// Eval executes a Lua script with the given keys and arguments. The script
// body is cached so a later EvalSHA can find it.
func (e *Engine) Eval(script string, keys []string, args []string) (interface{}, error) {
	return e.EvalContext(context.Background(), script, keys, args)
}

// EvalContext is Eval with a context. The script is aborted when ctx ends
// or the time limit passes, whichever comes first.
func (e *Engine) EvalContext(ctx context.Context, script string, keys []string, args []string) (interface{}, error) {
	e.LoadScript(script)
	return e.run(ctx, script, keys, args)
}

// EvalSHA executes a previously loaded script by its SHA1 hash
func (e *Engine) EvalSHA(sha string, keys []string, args []string) (interface{}, error) {
	return e.EvalSHAContext(context.Background(), sha, keys, args)
}

// EvalSHAContext is EvalSHA with a context, see EvalContext
func (e *Engine) EvalSHAContext(ctx context.Context, sha string, keys []string, args []string) (interface{}, error) {
	script, exists := e.scripts.Load(strings.ToLower(sha))
	if !exists {
		return nil, ErrNoScript
	}

	return e.run(ctx, script.(string), keys, args)
}

// LoadScript loads a script and returns its SHA1 hash
func (e *Engine) LoadScript(script string) string {
	hash := fmt.Sprintf("%x", sha1.Sum([]byte(script)))
	e.scripts.Store(hash, script)
	return hash
}

// ScriptExists checks if scripts with given SHA1 hashes exist
func (e *Engine) ScriptExists(hashes []string) []bool {
	results := make([]bool, len(hashes))
	for i, hash := range hashes {
		_, exists := e.scripts.Load(strings.ToLower(hash))
		results[i] = exists
	}
	return results
}

// ScriptFlush removes all cached scripts
func (e *Engine) ScriptFlush() {
	e.scripts.Range(func(key, value interface{}) bool {
		e.scripts.Delete(key)
		return true
	})
}

func (e *Engine) run(ctx context.Context, script string, keys []string, args []string) (interface{}, error) {
	if e.timeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeLimit)
		defer cancel()
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	e.setupRedisAPI(L, keys, args)

	// set after the unprotected library calls above
	L.SetContext(ctx)
	if err := L.DoString(script); err != nil {
		switch ctxErr := ctx.Err(); {
		case errors.Is(ctxErr, context.DeadlineExceeded):
			return nil, ErrTimeLimit
		case ctxErr != nil:
			return nil, ErrAborted
		}
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) && apiErr.Object != nil {
			return nil, errors.New(apiErr.Object.String())
		}
		return nil, fmt.Errorf("ERR Error running script: %w", err)
	}

	if L.GetTop() == 0 {
		return nil, nil
	}
	return e.convertLuaValue(L.Get(-1)), nil
}

// setupRedisAPI configures the Lua state with Redis-compatible functions
func (e *Engine) setupRedisAPI(L *lua.LState, keys []string, args []string) {
	keysTable := L.NewTable()
	for i, key := range keys {
		keysTable.RawSetInt(i+1, lua.LString(key)) // Lua arrays are 1-indexed
	}
	L.SetGlobal("KEYS", keysTable)

	argvTable := L.NewTable()
	for i, arg := range args {
		argvTable.RawSetInt(i+1, lua.LString(arg))
	}
	L.SetGlobal("ARGV", argvTable)

	redisTable := L.NewTable()
	L.SetFuncs(redisTable, map[string]lua.LGFunction{
		"call":         e.redisCall,
		"pcall":        e.redisPCall,
		"status_reply": redisStatusReply,
		"error_reply":  redisErrorReply,
	})
	L.SetGlobal("redis", redisTable)
}

// redisCall implements redis.call(), raising script errors
func (e *Engine) redisCall(L *lua.LState) int {
	result, err := e.executeRedisCommand(L)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(e.convertToLuaValue(L, result))
	return 1
}

// redisPCall implements redis.pcall(), returning errors as {err = msg}
func (e *Engine) redisPCall(L *lua.LState) int {
	result, err := e.executeRedisCommand(L)
	if err != nil {
		errTable := L.NewTable()
		errTable.RawSetString("err", lua.LString(err.Error()))
		L.Push(errTable)
		return 1
	}
	L.Push(e.convertToLuaValue(L, result))
	return 1
}

func redisStatusReply(L *lua.LState) int {
	t := L.NewTable()
	t.RawSetString("ok", lua.LString(L.CheckString(1)))
	L.Push(t)
	return 1
}

func redisErrorReply(L *lua.LState) int {
	t := L.NewTable()
	t.RawSetString("err", lua.LString(L.CheckString(1)))
	L.Push(t)
	return 1
}

func (e *Engine) executeRedisCommand(L *lua.LState) (interface{}, error) {
	argc := L.GetTop()
	if argc == 0 {
		return nil, errors.New("ERR Please specify at least one argument for this redis lib call")
	}

	cmdName := strings.ToUpper(L.ToString(1))
	if cmdName == "" {
		return nil, errors.New("ERR Lua redis lib command arguments must be strings or integers")
	}

	args := make([]string, argc-1)
	for i := 2; i <= argc; i++ {
		args[i-2] = L.ToString(i)
	}

	return e.executeCommand(cmdName, args)
}

// executeCommand executes a command against the storage. SET and DEL pass
// the write guard first and are reported to the observer once applied.
func (e *Engine) executeCommand(cmd string, args []string) (interface{}, error) {
	switch cmd {
	case "GET":
		if len(args) != 1 {
			return nil, arity(cmd)
		}
		value, exists := e.storage.Get(args[0])
		if !exists {
			return nil, nil
		}
		return string(value), nil

	case "SET":
		if len(args) != 2 {
			return nil, arity(cmd)
		}
		if err := e.checkWrite(cmd); err != nil {
			return nil, err
		}
		if err := e.storage.Set(args[0], []byte(args[1]), nil); err != nil {
			return nil, err
		}
		e.observe(cmd, args)
		return statusOK, nil

	case "DEL":
		if len(args) == 0 {
			return nil, arity(cmd)
		}
		if err := e.checkWrite(cmd); err != nil {
			return nil, err
		}
		deleted := e.storage.Del(args...)
		if deleted > 0 {
			e.observe(cmd, args)
		}
		return deleted, nil

	case "EXISTS":
		if len(args) == 0 {
			return nil, arity(cmd)
		}
		return e.storage.Exists(args...), nil

	default:
		return nil, errors.New("ERR Unknown Redis command called from script")
	}
}

func (e *Engine) checkWrite(cmd string) error {
	if e.guard == nil {
		return nil
	}
	return e.guard(cmd)
}

func (e *Engine) observe(cmd string, args []string) {
	if e.observer != nil {
		e.observer(cmd, args)
	}
}

func arity(cmd string) error {
	return fmt.Errorf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd))
}

// Status is a status reply produced by a script, such as redis.status_reply
// or the OK returned by SET
type Status string

// ScriptError is an error reply returned as a value by a script
type ScriptError string

func (e ScriptError) Error() string { return string(e) }

const statusOK Status = "OK"

// convertToLuaValue converts a Go value to a Lua value
func (e *Engine) convertToLuaValue(L *lua.LState, value interface{}) lua.LValue {
	if value == nil {
		return lua.LFalse // Redis nil becomes false in Lua
	}

	switch v := value.(type) {
	case Status:
		t := L.NewTable()
		t.RawSetString("ok", lua.LString(v))
		return t
	case string:
		return lua.LString(v)
	case int64:
		return lua.LNumber(float64(v))
	case int:
		return lua.LNumber(float64(v))
	case bool:
		return lua.LBool(v)
	case []interface{}:
		table := L.NewTable()
		for i, item := range v {
			table.RawSetInt(i+1, e.convertToLuaValue(L, item))
		}
		return table
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// convertLuaValue converts a script result to a Go value using the Redis
// conversion rules: numbers truncate to integers, true becomes 1, false
// becomes nil, {ok=...} and {err=...} tables become status and error
// replies, and array tables stop at the first nil.
func (e *Engine) convertLuaValue(lv lua.LValue) interface{} {
	switch v := lv.(type) {
	case lua.LBool:
		if v {
			return int64(1)
		}
		return nil
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return int64(v)
	case *lua.LNilType:
		return nil
	case *lua.LTable:
		if ok := v.RawGetString("ok"); ok.Type() == lua.LTString {
			return Status(ok.String())
		}
		if msg := v.RawGetString("err"); msg.Type() == lua.LTString {
			return ScriptError(msg.String())
		}
		result := make([]interface{}, 0, v.Len())
		for i := 1; ; i++ {
			item := v.RawGetInt(i)
			if item == lua.LNil {
				break
			}
			result = append(result, e.convertLuaValue(item))
		}
		return result
	default:
		return lv.String()
	}
}
