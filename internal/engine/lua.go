package engine

import (
	"context"
	"errors"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// LuaEngine runs code in an embedded gopher-lua virtual machine. A fresh
// state is created per run with only the pure libraries opened; os, io
// and the package loader are never installed, so the VM has no host
// capabilities to abuse.
type LuaEngine struct {
	maxBufferBytes int
	callStackSize  int
}

func NewLuaEngine() *LuaEngine {
	return &LuaEngine{
		maxBufferBytes: 1 << 20,
		callStackSize:  256,
	}
}

func (e *LuaEngine) Name() string { return "lua-vm" }

func (e *LuaEngine) Languages() []string { return []string{"lua"} }

func (e *LuaEngine) ValidateCode(code string) error {
	return validateSize(code)
}

func (e *LuaEngine) Execute(ctx context.Context, req Request) (*Result, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       e.callStackSize,
		RegistrySize:        1024 * 20,
		IncludeGoStackTrace: false,
	})
	defer L.Close()

	// Only capability-free libraries. Base brings load/dofile along, so
	// those are stripped right after.
	for _, open := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(open.fn))
		L.Push(lua.LString(open.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}

	var output cappedBuffer
	output.limit = e.maxBufferBytes
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		output.WriteString(strings.Join(parts, "\t") + "\n")
		return 0
	}))

	L.SetContext(ctx)

	if err := L.DoString(req.Code); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) {
			return &Result{Output: output.String(), Error: apiErr.Object.String()}, nil
		}
		return &Result{Output: output.String(), Error: err.Error()}, nil
	}

	return &Result{Output: output.String()}, nil
}
