package plugin

import (
	"net/url"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// UtilsAPI routes script output to the structured logger
type UtilsAPI struct {
	strategy string
	logger   *zap.Logger
}

// NewUtilsAPI creates a new utils API
func NewUtilsAPI(strategy string, logger *zap.Logger) *UtilsAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UtilsAPI{strategy: strategy, logger: logger}
}

// Register replaces print with a logging version
func (u *UtilsAPI) Register(L *lua.LState) {
	L.SetGlobal("print", L.NewFunction(u.print))
}

func (u *UtilsAPI) print(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	u.logger.Info(strings.Join(parts, "\t"), zap.String("strategy", u.strategy))
	return 0
}

// formValues converts a flat Lua table of string or number keys and values
// into url.Values. nil yields an empty form.
func formValues(val lua.LValue) (url.Values, error) {
	form := url.Values{}
	if val == lua.LNil {
		return form, nil
	}

	tbl, ok := val.(*lua.LTable)
	if !ok {
		return nil, &FormError{Reason: "expected a table, got " + val.Type().String()}
	}

	var formErr *FormError
	tbl.ForEach(func(k, v lua.LValue) {
		if formErr != nil {
			return
		}
		key, ok := scalarString(k)
		if !ok {
			formErr = &FormError{Key: k.String(), Reason: "key must be a string or number, got " + k.Type().String()}
			return
		}
		value, ok := scalarString(v)
		if !ok {
			formErr = &FormError{Key: key, Reason: "value must be a string or number, got " + v.Type().String()}
			return
		}
		form.Set(key, value)
	})
	if formErr != nil {
		return nil, formErr
	}
	return form, nil
}

func scalarString(v lua.LValue) (string, bool) {
	switch v := v.(type) {
	case lua.LString:
		return string(v), true
	case lua.LNumber:
		return v.String(), true
	default:
		return "", false
	}
}
