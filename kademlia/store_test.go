package kademlia

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueStorePutGet(t *testing.T) {
	s := newValueStore()
	_, ok := s.Get("missing")
	assert.False(t, ok)

	s.Put("k", []byte("v1"))
	v, ok := s.Get("k")
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)
	assert.Equal(t, 1, s.Len())

	s.Put("k", []byte("v2"))
	v, ok = s.Get("k")
	assert.True(t, ok)
	assert.Equal(t, []byte("v2"), v)
	assert.Equal(t, 1, s.Len())
}

func TestValueStoreGetReturnsCopy(t *testing.T) {
	s := newValueStore()
	s.Put("k", []byte("original"))

	v, _ := s.Get("k")
	v[0] = 'X'

	v2, _ := s.Get("k")
	assert.Equal(t, []byte("original"), v2)
}
