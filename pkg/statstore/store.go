package statstore

import (
	"hash/fnv"
	"sync"
	"time"
)

// Options tunes the store.
type Options struct {
	Shards       int           // shard count (default 64)
	SweepEvery   time.Duration // expiry sweep interval (default 30s)
	CopyOnSet    bool
	CopyOnGet    bool
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = 30 * time.Second
	}
	return o
}

// Store is a sharded in-memory key/value store with per-entry TTL.
// Expired entries are dropped lazily on read and by a periodic sweep.
type Store struct {
	opts    Options
	shards  []shard
	closeCh chan struct{}
	wg      sync.WaitGroup
	nowFn   func() time.Time
}

type shard struct {
	mu sync.RWMutex
	m  map[string]entry
}

type entry struct {
	val      []byte
	expireAt int64 // unix nano; 0 = no expiry
}

func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:    opts,
		shards:  make([]shard, opts.Shards),
		closeCh: make(chan struct{}),
		nowFn:   time.Now,
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]entry)
	}
	s.wg.Add(1)
	go s.sweeper()
	return s
}

// Close stops the sweeper.
func (s *Store) Close() {
	close(s.closeCh)
	s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Set stores val under key; ttl <= 0 means no expiry.
func (s *Store) Set(key string, val []byte, ttl time.Duration) {
	if s.opts.CopyOnSet {
		val = append([]byte(nil), val...)
	}
	var exp int64
	if ttl > 0 {
		exp = s.nowFn().Add(ttl).UnixNano()
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.m[key] = entry{val: val, expireAt: exp}
	sh.mu.Unlock()
}

// Get retrieves the value for key, if present and not expired.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.expireAt != 0 && s.nowFn().UnixNano() > e.expireAt {
		sh.mu.Lock()
		delete(sh.m, key)
		sh.mu.Unlock()
		return nil, false
	}
	if s.opts.CopyOnGet {
		return append([]byte(nil), e.val...), true
	}
	return e.val, true
}

// Delete removes key.
func (s *Store) Delete(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// Keys returns all live keys.
func (s *Store) Keys() []string {
	now := s.nowFn().UnixNano()
	var out []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, e := range sh.m {
			if e.expireAt == 0 || now <= e.expireAt {
				out = append(out, k)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len counts live entries.
func (s *Store) Len() int {
	now := s.nowFn().UnixNano()
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, e := range sh.m {
			if e.expireAt == 0 || now <= e.expireAt {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

func (s *Store) sweeper() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-t.C:
			now := s.nowFn().UnixNano()
			for i := range s.shards {
				sh := &s.shards[i]
				sh.mu.Lock()
				for k, e := range sh.m {
					if e.expireAt != 0 && now > e.expireAt {
						delete(sh.m, k)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}
