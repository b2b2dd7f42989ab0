package dtls_bridge

import (
	"strconv"

	"go.uber.org/multierr"
)

// ConnIndex identifies an admitted peer on a Server. Indices start at 1, grow
// monotonically and are never reused by the same Server. 0 is reserved and is
// used by client-side timeouts, which carry no index.
type ConnIndex uint64

func (i ConnIndex) String() string {
	return strconv.FormatUint(uint64(i), 10)
}

// Datagram is one record delivered by a receiver.
type Datagram struct {
	Index ConnIndex
	Data  []byte
}

type TimeoutKind int

const (
	// SendTimeout carries back the bytes that could not be written in time.
	SendTimeout TimeoutKind = iota + 1
	// RecvTimeout reports a connection that stayed silent for the whole
	// receive timeout. The connection stays open.
	RecvTimeout
)

func (k TimeoutKind) String() string {
	switch k {
	case SendTimeout:
		return "send"
	case RecvTimeout:
		return "recv"
	default:
		return "unknown"
	}
}

// Timeout is a soft notification queued by a worker and drained by TimeoutCheck.
type Timeout struct {
	Kind  TimeoutKind
	Index ConnIndex
	Bytes []byte
}

// Outcome is the terminal result of a worker. Finished is false while the
// worker is still running or has already been reaped.
type Outcome struct {
	Finished bool
	Err      error
}

func finished(err error) Outcome {
	return Outcome{Finished: true, Err: err}
}

// Failed reports whether the worker finished with an error.
func (o Outcome) Failed() bool {
	return o.Finished && o.Err != nil
}

type ClientHealth struct {
	Sender Outcome
	Recver Outcome
	Closed bool
}

type ConnHealth struct {
	Index  ConnIndex
	Sender Outcome
	Recver Outcome
	Closed bool
}

type ServerHealth struct {
	Listener Outcome
	Conns    []ConnHealth
}

// Err combines the terminal errors of both workers.
func (h ClientHealth) Err() error {
	return multierr.Combine(h.Sender.Err, h.Recver.Err)
}

func (h ConnHealth) Err() error {
	return multierr.Combine(h.Sender.Err, h.Recver.Err)
}

// Err combines every terminal error in the snapshot.
func (h ServerHealth) Err() error {
	err := h.Listener.Err
	for _, c := range h.Conns {
		err = multierr.Append(err, c.Err())
	}
	return err
}
