// Package enginemocks contains testify mocks of engine interfaces.
package enginemocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/ninowalker/jmemcache-daemon-sub000/cache"
	"github.com/ninowalker/jmemcache-daemon-sub000/engine"
)

type Cache struct {
	mock.Mock
}

var _ engine.Cache = (*Cache)(nil)

func (m *Cache) Get(keys ...[]byte) []*cache.Entry {
	args := m.Called(keys)
	res, _ := args.Get(0).([]*cache.Entry)
	return res
}

func (m *Cache) Set(e cache.Entry) (engine.Result, error) {
	args := m.Called(e)
	return args.Get(0).(engine.Result), args.Error(1)
}

func (m *Cache) Add(e cache.Entry) (engine.Result, error) {
	args := m.Called(e)
	return args.Get(0).(engine.Result), args.Error(1)
}

func (m *Cache) Replace(e cache.Entry) (engine.Result, error) {
	args := m.Called(e)
	return args.Get(0).(engine.Result), args.Error(1)
}

func (m *Cache) Append(e cache.Entry) (engine.Result, error) {
	args := m.Called(e)
	return args.Get(0).(engine.Result), args.Error(1)
}

func (m *Cache) Prepend(e cache.Entry) (engine.Result, error) {
	args := m.Called(e)
	return args.Get(0).(engine.Result), args.Error(1)
}

func (m *Cache) CAS(expected uint64, e cache.Entry) (engine.Result, error) {
	args := m.Called(expected, e)
	return args.Get(0).(engine.Result), args.Error(1)
}

func (m *Cache) Incr(key []byte, delta uint64) (uint64, engine.Result, error) {
	args := m.Called(key, delta)
	return args.Get(0).(uint64), args.Get(1).(engine.Result), args.Error(2)
}

func (m *Cache) Decr(key []byte, delta uint64) (uint64, engine.Result, error) {
	args := m.Called(key, delta)
	return args.Get(0).(uint64), args.Get(1).(engine.Result), args.Error(2)
}

func (m *Cache) Delete(key []byte, delay int64) engine.Result {
	args := m.Called(key, delay)
	return args.Get(0).(engine.Result)
}

func (m *Cache) ProcessDeleteQueue() bool {
	return m.Called().Bool(0)
}

func (m *Cache) FlushAll(expire int64) bool {
	return m.Called(expire).Bool(0)
}

func (m *Cache) Stat(arg string) map[string][]string {
	args := m.Called(arg)
	res, _ := args.Get(0).(map[string][]string)
	return res
}
