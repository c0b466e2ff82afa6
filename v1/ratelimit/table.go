package ratelimit

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// Table stores client windows for one Limiter. Implementations are only
// called with the Limiter mutex held.
type Table interface {
	Get(clientID string) (*Visit, bool)
	// Put stores v, or refreshes it when already present.
	Put(v *Visit)
	Delete(clientID string)
	// Range calls fn for every stored window until fn returns false.
	Range(fn func(v *Visit) bool)
	// Len returns the number of stored windows. It may be approximate.
	Len() int
	Close()
}

type mapTable map[string]*Visit

func newMapTable() mapTable { return make(mapTable) }

func (t mapTable) Get(id string) (*Visit, bool) {
	v, ok := t[id]
	return v, ok
}

func (t mapTable) Put(v *Visit)     { t[v.ClientID] = v }
func (t mapTable) Delete(id string) { delete(t, id) }
func (t mapTable) Len() int         { return len(t) }
func (t mapTable) Close()           {}

func (t mapTable) Range(fn func(v *Visit) bool) {
	for _, v := range t {
		if !fn(v) {
			return
		}
	}
}

// RistrettoTable bounds the number of tracked clients with a ristretto
// cache. Windows idle for longer than ttl expire on their own, and once the
// cache is full ristretto's admission policy picks which clients to keep. A
// client whose window was dropped starts a fresh window, so eviction can only
// make the limiter more permissive.
type RistrettoTable struct {
	c   *ristretto.Cache
	ttl time.Duration
}

// NewRistrettoTable returns a table holding roughly maxClients windows.
// A non-positive ttl keeps windows until they are evicted for space.
func NewRistrettoTable(maxClients int, ttl time.Duration) (*RistrettoTable, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(maxClients) * 10,
		MaxCost:            int64(maxClients),
		BufferItems:        64,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RistrettoTable{c: c, ttl: ttl}, nil
}

// Get implements Table.Get.
func (t *RistrettoTable) Get(id string) (*Visit, bool) {
	v, ok := t.c.Get(id)
	if !ok {
		return nil, false
	}
	visit, ok := v.(*Visit)
	return visit, ok
}

// Put implements Table.Put.
func (t *RistrettoTable) Put(v *Visit) {
	t.c.SetWithTTL(v.ClientID, v, 1, t.ttl)
	t.c.Wait()
}

// Delete implements Table.Delete.
func (t *RistrettoTable) Delete(id string) {
	t.c.Del(id)
	t.c.Wait()
}

// Range implements Table.Range. Ristretto cannot be iterated; idle windows
// leave the cache through their TTL instead.
func (t *RistrettoTable) Range(func(v *Visit) bool) {}

// Len implements Table.Len from the cache counters.
func (t *RistrettoTable) Len() int {
	added, evicted := t.c.Metrics.KeysAdded(), t.c.Metrics.KeysEvicted()
	if evicted > added {
		return 0
	}
	return int(added - evicted)
}

// Close implements Table.Close.
func (t *RistrettoTable) Close() { t.c.Close() }
