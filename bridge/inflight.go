// SPDX-License-Identifier: GPL-2.0-only

package bridge

import (
	"sync"
	"time"

	"github.com/MatthiasValvekens/usbip-hid-bridge/usbip"
	"github.com/efficientgo/core/errors"
)

var errInflightFull = errors.New("in-flight request table is full")

type inflightRequest struct {
	Command   usbip.Command
	Direction usbip.Direction
	Endpoint  uint32
	Received  time.Time
}

// inflightTable correlates requests with their replies by sequence number.
// The message loop answers every request before reading the next one, so
// the table never holds more than one entry unless the peer reuses sequence
// numbers across an UNLINK.
type inflightTable struct {
	mu       sync.Mutex
	capacity int
	requests map[uint32]inflightRequest
}

func newInflightTable(capacity int) *inflightTable {
	return &inflightTable{
		capacity: capacity,
		requests: make(map[uint32]inflightRequest, capacity),
	}
}

// Insert records req under seq, replacing any entry with the same sequence
// number.
func (t *inflightTable) Insert(seq uint32, req inflightRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.requests[seq]; !ok && len(t.requests) >= t.capacity {
		return errInflightFull
	}
	t.requests[seq] = req
	return nil
}

func (t *inflightTable) Remove(seq uint32) (inflightRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.requests[seq]
	delete(t.requests, seq)
	return req, ok
}

func (t *inflightTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

func (t *inflightTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = make(map[uint32]inflightRequest, t.capacity)
}
