package statstore

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultConnTTL ages out records for connections that stopped reporting
// without a clean remove (e.g. process kill mid-teardown).
const defaultConnTTL = 10 * time.Minute

// ConnStats is the per-connection exchange record.
type ConnStats struct {
	ID            string `json:"id"`
	RemoteAddr    string `json:"remote_addr,omitempty"`
	Transport     string `json:"transport,omitempty"`
	Authenticated bool   `json:"authenticated"`
	MsgsIn        uint64 `json:"msgs_in"`
	MsgsOut       uint64 `json:"msgs_out"`
	BytesIn       uint64 `json:"bytes_in"`
	BytesOut      uint64 `json:"bytes_out"`
	ConnectedAt   int64  `json:"connected_at_unix_ms"`
	LastSeen      int64  `json:"last_seen_unix_ms"`
}

// Connections keeps ConnStats records in the TTL store. A single mutex
// serializes the read-modify-write cycles; send and receive paths of one
// connection may report concurrently.
type Connections struct {
	mu sync.Mutex
	kv *Store
}

func NewConnections(kv *Store) *Connections { return &Connections{kv: kv} }

func keyConn(id string) string { return "conn:" + id }

// Touch creates or refreshes the record for a connection.
func (c *Connections) Touch(id, remoteAddr, transportKind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.get(id)
	now := time.Now().UnixMilli()
	if !ok {
		st = ConnStats{ID: id, ConnectedAt: now}
	}
	st.RemoteAddr = remoteAddr
	st.Transport = transportKind
	st.LastSeen = now
	c.put(st)
}

// RecordExchange accumulates message/byte counters for a connection.
func (c *Connections) RecordExchange(id string, bytesIn, bytesOut, msgsIn, msgsOut uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.get(id)
	if !ok {
		st = ConnStats{ID: id, ConnectedAt: time.Now().UnixMilli()}
	}
	st.BytesIn += bytesIn
	st.BytesOut += bytesOut
	st.MsgsIn += msgsIn
	st.MsgsOut += msgsOut
	st.LastSeen = time.Now().UnixMilli()
	c.put(st)
}

// SetAuthenticated flips the auth flag on the record.
func (c *Connections) SetAuthenticated(id string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, found := c.get(id)
	if !found {
		st = ConnStats{ID: id, ConnectedAt: time.Now().UnixMilli()}
	}
	st.Authenticated = ok
	c.put(st)
}

// Get returns the record for a connection.
func (c *Connections) Get(id string) (ConnStats, bool) {
	return c.get(id)
}

func (c *Connections) get(id string) (ConnStats, bool) {
	b, ok := c.kv.Get(keyConn(id))
	if !ok {
		return ConnStats{}, false
	}
	var st ConnStats
	if err := json.Unmarshal(b, &st); err != nil {
		zap.L().Warn("conn stats decode", zap.String("conn", id), zap.Error(err))
		return ConnStats{}, false
	}
	return st, true
}

// Remove deletes the record when a connection terminates.
func (c *Connections) Remove(id string) { c.kv.Delete(keyConn(id)) }

// List snapshots all live records.
func (c *Connections) List() []ConnStats {
	keys := c.kv.Keys()
	out := make([]ConnStats, 0, len(keys))
	for _, k := range keys {
		b, ok := c.kv.Get(k)
		if !ok {
			continue
		}
		var st ConnStats
		if json.Unmarshal(b, &st) == nil {
			out = append(out, st)
		}
	}
	return out
}

func (c *Connections) put(st ConnStats) {
	b, _ := json.Marshal(st)
	c.kv.Set(keyConn(st.ID), b, defaultConnTTL)
}
