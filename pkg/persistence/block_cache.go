package persistence

import (
	"sync"
)

type BlockCache interface {
	Get(key blockKey) ([]byte, bool)
	Set(key blockKey, value []byte)
	// Evict drops every block of a segment file.
	Evict(fileNum uint64)
	Len() int
}

type blockKey struct {
	fileNum uint64
	offset  uint64
}

// BlockCacheImpl implements a simple LRU block cache shared by all
// segments. Capacity counts blocks, not bytes.
type BlockCacheImpl struct {
	mu       sync.Mutex
	capacity int
	items    map[blockKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem
}

type cacheItem struct {
	key   blockKey
	value []byte
	prev  *cacheItem
	next  *cacheItem
}

// NewBlockCache creates a new block cache. A non-positive capacity yields
// a cache that stores nothing.
func NewBlockCache(capacity int) *BlockCacheImpl {
	return &BlockCacheImpl{
		capacity: capacity,
		items:    make(map[blockKey]*cacheItem),
	}
}

// Get retrieves a value from the cache
func (bc *BlockCacheImpl) Get(key blockKey) ([]byte, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[key]
	if !found {
		return nil, false
	}
	bc.moveToHead(item)

	return item.value, true
}

// Set stores a value in the cache
func (bc *BlockCacheImpl) Set(key blockKey, value []byte) {
	if bc.capacity <= 0 {
		return
	}

	bc.mu.Lock()
	defer bc.mu.Unlock()

	if item, found := bc.items[key]; found {
		item.value = value
		bc.moveToHead(item)
		return
	}

	item := &cacheItem{
		key:   key,
		value: value,
	}
	bc.addToHead(item)
	bc.items[key] = item

	if len(bc.items) > bc.capacity {
		bc.evictLRU()
	}
}

func (bc *BlockCacheImpl) Evict(fileNum uint64) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for key, item := range bc.items {
		if key.fileNum == fileNum {
			bc.unlink(item)
			delete(bc.items, key)
		}
	}
}

func (bc *BlockCacheImpl) Len() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.items)
}

// moveToHead moves an item to the head of the list
func (bc *BlockCacheImpl) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
}

func (bc *BlockCacheImpl) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		bc.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		bc.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

// addToHead adds an item to the head of the list
func (bc *BlockCacheImpl) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head

	if bc.head != nil {
		bc.head.prev = item
	}

	bc.head = item

	if bc.tail == nil {
		bc.tail = item
	}
}

// evictLRU removes the least recently used item
func (bc *BlockCacheImpl) evictLRU() {
	if bc.tail == nil {
		return
	}
	victim := bc.tail
	bc.unlink(victim)
	delete(bc.items, victim.key)
}
