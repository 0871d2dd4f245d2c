package plugin

import (
	"crypto/md5"
	"encoding/hex"

	lua "github.com/yuin/gopher-lua"
)

// CryptoAPI provides hashing helpers to strategies
type CryptoAPI struct{}

// NewCryptoAPI creates a new crypto API
func NewCryptoAPI() *CryptoAPI {
	return &CryptoAPI{}
}

// Register adds the crypto module to the Lua state
func (c *CryptoAPI) Register(L *lua.LState) {
	cryptoMod := L.NewTable()
	cryptoMod.RawSetString("md5", L.NewFunction(c.md5))
	L.SetGlobal("crypto", cryptoMod)
}

func (c *CryptoAPI) md5(L *lua.LState) int {
	input := L.CheckString(1)
	sum := md5.Sum([]byte(input))
	L.Push(lua.LString(hex.EncodeToString(sum[:])))
	return 1
}
