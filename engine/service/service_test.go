package service

import (
	"strconv"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/gomesh/gomesh/engine/common"
)

func TestDispatch(t *testing.T) {
	AddHandler("*test/echo", func(ctx *Context, data map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"echo": data["msg"], "caller": string(ctx.Caller)}, nil
	})
	defer RemoveHandler("*test/echo")

	caller := common.GenServiceID()
	res, err := dispatch(caller, "*test/echo", map[string]interface{}{"msg": "hi"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "hi", res["echo"])
	assert.Equal(t, string(caller), res["caller"])
}

func TestDispatchUnknownOpcode(t *testing.T) {
	_, err := dispatch(common.GenServiceID(), "*test/nothing", nil)
	assert.Equal(t, ErrUnknownOpcode, err)
}

func TestDispatchRecoversPanic(t *testing.T) {
	AddHandler("*test/panic", func(ctx *Context, data map[string]interface{}) (map[string]interface{}, error) {
		panic("boom")
	})
	defer RemoveHandler("*test/panic")

	_, err := dispatch(common.GenServiceID(), "*test/panic", nil)
	assert.T(t, err != nil)
}

func TestSetHandlerReplaces(t *testing.T) {
	SetHandler("*test/v", func(ctx *Context, data map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"v": 1}, nil
	})
	SetHandler("*test/v", func(ctx *Context, data map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"v": 2}, nil
	})
	defer RemoveHandler("*test/v")

	res, err := dispatch(common.GenServiceID(), "*test/v", nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, res["v"])
}

func TestAuthDigest(t *testing.T) {
	target := common.GenServiceID()
	now := time.Now().Unix()
	pw := authDigest(target, now, "secret")

	caller := common.GenServiceID()
	id, ok := checkAuth(string(caller), strconv.FormatInt(now, 10), pw, target, "secret")
	assert.T(t, ok)
	assert.Equal(t, caller, id)

	// wrong secret
	_, ok = checkAuth(string(caller), strconv.FormatInt(now, 10), authDigest(target, now, "other"), target, "secret")
	assert.T(t, !ok)

	// stale timestamp
	old := now - 3600
	_, ok = checkAuth(string(caller), strconv.FormatInt(old, 10), authDigest(target, old, "secret"), target, "secret")
	assert.T(t, !ok)

	// malformed caller id
	_, ok = checkAuth("short", strconv.FormatInt(now, 10), pw, target, "secret")
	assert.T(t, !ok)
}
