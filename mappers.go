package dtls_bridge

import (
	"context"
	"slices"
	"sync"
	"time"
)

// connRecord is the server side state of one admitted peer.
type connRecord struct {
	index  ConnIndex
	conn   *sharedConn
	remote string
	active *ActiveRecorder

	// ctx is shared by both workers; cancel is their close signal.
	ctx    context.Context
	cancel context.CancelFunc

	// outbound is nil before StartConn and after Disconnect.
	outbound chan []byte
	sender   *JoinHandle
	recver   *JoinHandle

	// running is set once by StartConn and never cleared.
	running bool
}

func newConnRecord(index ConnIndex, conn Conn) *connRecord {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &connRecord{
		index:  index,
		conn:   newSharedConn(conn),
		remote: addrString(conn.RemoteAddr()),
		active: NewActiveRecorder(now, now),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *connRecord) info() ConnInfo {
	return ConnInfo{
		Index:      r.index,
		RemoteAddr: r.remote,
		Running:    r.running && (r.sender != nil || r.recver != nil),
		LastRecv:   r.active.LastRead(),
		LastSend:   r.active.LastWrite(),
	}
}

// Registry maps admitted peers to their records. Callbacks passed to Get,
// GetMut and Range run under the lock and must not block.
type Registry interface {
	Insert(ConnIndex, *connRecord)
	Get(ConnIndex, func(*connRecord)) bool
	GetMut(ConnIndex, func(*connRecord)) bool
	Remove(ConnIndex) (*connRecord, bool)
	Keys() []ConnIndex
	Len() int
	Range(func(ConnIndex, *connRecord) bool)
}

type RegistryBasedRWMutex struct {
	mu    sync.RWMutex
	conns map[ConnIndex]*connRecord
}

func NewRegistry() Registry {
	return &RegistryBasedRWMutex{conns: make(map[ConnIndex]*connRecord)}
}

func (r *RegistryBasedRWMutex) Insert(index ConnIndex, rec *connRecord) {
	r.mu.Lock()
	r.conns[index] = rec
	n := len(r.conns)
	r.mu.Unlock()

	activeConns.Set(float64(n))
}

func (r *RegistryBasedRWMutex) Get(index ConnIndex, fn func(*connRecord)) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.conns[index]
	if ok {
		fn(rec)
	}
	return ok
}

func (r *RegistryBasedRWMutex) GetMut(index ConnIndex, fn func(*connRecord)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[index]
	if ok {
		fn(rec)
	}
	return ok
}

func (r *RegistryBasedRWMutex) Remove(index ConnIndex) (*connRecord, bool) {
	r.mu.Lock()
	rec, ok := r.conns[index]
	delete(r.conns, index)
	n := len(r.conns)
	r.mu.Unlock()

	if ok {
		activeConns.Set(float64(n))
	}
	return rec, ok
}

// Keys returns the indices in ascending order.
func (r *RegistryBasedRWMutex) Keys() []ConnIndex {
	r.mu.RLock()
	keys := make([]ConnIndex, 0, len(r.conns))
	for k := range r.conns {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	slices.Sort(keys)
	return keys
}

func (r *RegistryBasedRWMutex) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *RegistryBasedRWMutex) Range(fn func(ConnIndex, *connRecord) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for k, rec := range r.conns {
		if !fn(k, rec) {
			return
		}
	}
}
