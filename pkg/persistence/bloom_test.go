package persistence

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(1000, 10)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%d", i)))
	}

	decoded := decodeBloom(bf.Encode())
	require.NotNil(t, decoded)

	falsePositives := 0
	for i := 0; i < 1000; i++ {
		assert.True(t, decoded.MayContain([]byte(fmt.Sprintf("key-%d", i))))
		if decoded.MayContain([]byte(fmt.Sprintf("other-%d", i))) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 50)
}

func TestDecodeEmptyBloom(t *testing.T) {
	assert.Nil(t, decodeBloom(nil))
}

func TestBlockCacheLRU(t *testing.T) {
	c := NewBlockCache(2)
	k1, k2, k3 := blockKey{1, 0}, blockKey{1, 100}, blockKey{2, 0}

	c.Set(k1, []byte("a"))
	c.Set(k2, []byte("b"))
	_, ok := c.Get(k1)
	require.True(t, ok)

	c.Set(k3, []byte("c"))
	_, ok = c.Get(k2)
	assert.False(t, ok, "k2 was least recently used")
	_, ok = c.Get(k1)
	assert.True(t, ok)

	c.Evict(1)
	assert.Equal(t, 1, c.Len())
	v, ok := c.Get(k3)
	require.True(t, ok)
	assert.Equal(t, "c", string(v))
}

func TestBlockCacheDisabled(t *testing.T) {
	c := NewBlockCache(0)
	c.Set(blockKey{1, 0}, []byte("a"))
	assert.Equal(t, 0, c.Len())
}
