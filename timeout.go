package dtls_bridge

import (
	"time"

	"go.uber.org/atomic"
)

// ActiveRecorder remembers when a connection last moved a record in each
// direction. Workers write it, the foreground reads it.
type ActiveRecorder struct {
	lastRead  *atomic.Int64
	lastWrite *atomic.Int64
}

func NewActiveRecorder(lastRead, lastWrite time.Time) *ActiveRecorder {
	return &ActiveRecorder{
		lastRead:  atomic.NewInt64(lastRead.UnixNano()),
		lastWrite: atomic.NewInt64(lastWrite.UnixNano()),
	}
}

func (ar *ActiveRecorder) SetLastRead(lastRead time.Time) {
	ar.lastRead.Store(lastRead.UnixNano())
}

func (ar *ActiveRecorder) SetLastWrite(lastWrite time.Time) {
	ar.lastWrite.Store(lastWrite.UnixNano())
}

func (ar *ActiveRecorder) RefreshLastRead() {
	ar.SetLastRead(time.Now())
}

func (ar *ActiveRecorder) RefreshLastWrite() {
	ar.SetLastWrite(time.Now())
}

func (ar *ActiveRecorder) LastRead() time.Time {
	return time.Unix(0, ar.lastRead.Load())
}

func (ar *ActiveRecorder) LastWrite() time.Time {
	return time.Unix(0, ar.lastWrite.Load())
}

// ConnInfo is a snapshot of one connection for the foreground.
type ConnInfo struct {
	Index      ConnIndex
	RemoteAddr string
	Running    bool
	LastRecv   time.Time
	LastSend   time.Time
}
