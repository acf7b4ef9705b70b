package auth

import (
	"crypto/md5"
	"encoding/binary"
	"sync"
	"time"
)

// cacheEntry is one slot in the open-addressing table. A zero-value entry
// (used == false) is a free slot.
type cacheEntry struct {
	used    bool
	key     [md5.Size]byte
	ctx     *Context
	created time.Time
}

// Cache is the authentication-result cache: an open-addressing hash table
// with a power-of-two bucket count and linear probing, keyed by an MD5
// digest of the authentication parameters. Entries expire after Lifetime.
//
// Grounded on the original implementation's authcache.c: resize by doubling
// when within one free slot of full, removal repairs the probe chain by
// walking forward while the vacated index is still the natural bucket of
// the next occupied slot.
type Cache struct {
	mu            sync.Mutex
	lifetime      time.Duration
	useClientHost bool
	serverHost    string
	bits          uint
	slots         []cacheEntry
	filled        int

	hits   int64
	misses int64
}

// NewCache creates a cache with the given entry lifetime. useClientHost
// folds the client IP into the cache key (original authcache-use-client-host).
func NewCache(lifetime time.Duration, useClientHost bool, serverHost string) *Cache {
	c := &Cache{lifetime: lifetime, useClientHost: useClientHost, serverHost: serverHost}
	c.resize(8)
	return c
}

func hashval(key [md5.Size]byte, bits uint) uint32 {
	low := binary.LittleEndian.Uint32(key[:4])
	mask := uint32(1)<<bits - 1
	return low & mask
}

// makeKey builds the MD5 digest over null-terminated catenated components,
// exactly as the original's make_arg_hash does.
func (c *Cache) makeKey(user, localPart, domain, secret, clientIP string) [md5.Size]byte {
	h := md5.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(user)
	write(localPart)
	write(domain)
	write(secret)
	if c.useClientHost {
		write(clientIP)
	}
	write(c.serverHost)
	var out [md5.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (c *Cache) resize(bits uint) {
	newSlots := make([]cacheEntry, 1<<bits)
	for _, e := range c.slots {
		if !e.used {
			continue
		}
		probeInsert(newSlots, bits, e)
	}
	c.slots = newSlots
	c.bits = bits
}

func probeInsert(slots []cacheEntry, bits uint, e cacheEntry) {
	n := uint32(len(slots))
	i := hashval(e.key, bits)
	for slots[i%n].used {
		i++
	}
	slots[i%n] = e
}

// Lookup returns a copy of the cached context for the given parameters if a
// live (non-expired) entry exists. A stale entry is removed and treated as
// a miss.
func (c *Cache) Lookup(user, localPart, domain, secret, clientIP string) (*Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.makeKey(user, localPart, domain, secret, clientIP)
	n := uint32(len(c.slots))
	i := hashval(key, c.bits)
	for probes := uint32(0); probes < n; probes++ {
		slot := &c.slots[(i+probes)%n]
		if !slot.used {
			c.misses++
			return nil, false
		}
		if slot.key == key {
			if time.Since(slot.created) >= c.lifetime {
				c.removeAt(int((i + probes) % n))
				c.misses++
				return nil, false
			}
			c.hits++
			return slot.ctx.Copy(), true
		}
	}
	c.misses++
	return nil, false
}

// Save inserts a copy of ctx under the given parameters, tagging it with
// "<driver>+cache" to distinguish a cache hit from a live driver result.
func (c *Cache) Save(user, localPart, domain, secret, clientIP, driver string, ctx *Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filled+1 >= len(c.slots) {
		c.resize(c.bits + 1)
	}

	saved := ctx.Copy()
	saved.Tag = driver + "+cache"

	key := c.makeKey(user, localPart, domain, secret, clientIP)
	n := uint32(len(c.slots))
	i := hashval(key, c.bits)
	for c.slots[i%n].used {
		i++
	}
	c.slots[i%n] = cacheEntry{used: true, key: key, ctx: saved, created: time.Now()}
	c.filled++
}

// removeAt frees slot i and repairs the linear-probe chain: walks forward
// while the next occupied slot's natural bucket is exactly the index being
// vacated, relocating it into the hole.
func (c *Cache) removeAt(i int) {
	n := len(c.slots)
	c.slots[i] = cacheEntry{}
	c.filled--

	vacated := i
	j := i
	for {
		j = (j + 1) % n
		if !c.slots[j].used {
			return
		}
		if int(hashval(c.slots[j].key, c.bits)) != vacated {
			return
		}
		c.slots[vacated] = c.slots[j]
		c.slots[j] = cacheEntry{}
		vacated = j
	}
}

// Stats returns cumulative hit/miss counts, for metrics wiring.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
