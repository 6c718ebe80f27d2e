package vhostblk

import (
	"sync"
	"unsafe"

	"github.com/behrlich/go-vhost-blk/internal/memmap"
	"github.com/behrlich/go-vhost-blk/internal/transport"
)

// MockBackend provides a mock implementation of Backend for testing. It
// implements DiscardBackend and tracks method calls for verification.
type MockBackend struct {
	data    []byte
	size    int64
	closed  bool
	flushed bool

	mu         sync.RWMutex
	readCalls  int
	writeCalls int
	flushCalls int
}

// NewMockBackend creates a new mock backend with the specified size.
// This is useful for unit testing applications that use vhostblk backends.
func NewMockBackend(size int64) *MockBackend {
	return &MockBackend{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements the Backend interface
func (m *MockBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++

	if m.closed {
		return 0, ErrDeviceNotFound
	}
	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	return n, nil
}

// WriteAt implements the Backend interface
func (m *MockBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++

	if m.closed {
		return 0, ErrDeviceNotFound
	}
	if off >= m.size {
		return 0, NewError("WriteAt", ErrCodeInvalidParameters, "offset beyond end of device")
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	return n, nil
}

// Size implements the Backend interface
func (m *MockBackend) Size() int64 {
	return m.size
}

// Close implements the Backend interface
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Flush implements the Backend interface
func (m *MockBackend) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushCalls++
	m.flushed = true
	return nil
}

// Discard implements the DiscardBackend interface
func (m *MockBackend) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset >= m.size {
		return nil
	}
	end := offset + length
	if end > m.size {
		end = m.size
	}
	for i := offset; i < end; i++ {
		m.data[i] = 0
	}
	return nil
}

// IsClosed returns true if the backend has been closed
func (m *MockBackend) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// IsFlushed returns true if Flush has been called
func (m *MockBackend) IsFlushed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushed
}

// CallCounts returns the number of times each method has been called
func (m *MockBackend) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
		"flush": m.flushCalls,
	}
}

// Reset resets the call counters and the flushed flag; a closed backend
// stays closed
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls = 0
	m.writeCalls = 0
	m.flushCalls = 0
	m.flushed = false
}

// Compile-time interface checks
var (
	_ Backend        = (*MockBackend)(nil)
	_ DiscardBackend = (*MockBackend)(nil)
)

// mockQueue holds one virtqueue's negotiated state inside a MockTransport.
type mockQueue struct {
	desc, avail, used unsafe.Pointer
	qsz               uint16
	inflightPath      string
	kickFn            func()
}

// MockTransport is an in-process test double for internal/transport's
// Session interface: it lets a caller hand internal/device pre-built
// ring pointers and an inflight path without driving a real vhost-user
// handshake over a socket.
type MockTransport struct {
	mu      sync.Mutex
	regions []memmap.Region
	queues  map[int]*mockQueue
	closed  bool
}

// NewMockTransport creates an empty MockTransport reporting regions as
// its negotiated memory table.
func NewMockTransport(regions []memmap.Region) *MockTransport {
	return &MockTransport{regions: regions, queues: make(map[int]*mockQueue)}
}

func (t *MockTransport) queue(idx int) *mockQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[idx]
	if !ok {
		q = &mockQueue{}
		t.queues[idx] = q
	}
	return q
}

// SetQueue configures the ring pointers NegotiateQueue reports for idx.
func (t *MockTransport) SetQueue(idx int, desc, avail, used unsafe.Pointer, qsz uint16, inflightPath string) {
	q := t.queue(idx)
	t.mu.Lock()
	q.desc, q.avail, q.used, q.qsz, q.inflightPath = desc, avail, used, qsz, inflightPath
	t.mu.Unlock()
}

// Kick invokes the callback registered via OnKick for idx, simulating
// the hypervisor's doorbell write. It is a no-op if nothing registered.
func (t *MockTransport) Kick(idx int) {
	q := t.queue(idx)
	t.mu.Lock()
	fn := q.kickFn
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Accept implements transport.Session. A MockTransport is always
// already "connected", so this returns immediately.
func (t *MockTransport) Accept() error {
	return nil
}

// MemoryTable implements transport.Session.
func (t *MockTransport) MemoryTable() []memmap.Region {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regions
}

// NegotiateQueue implements transport.Session.
func (t *MockTransport) NegotiateQueue(idx int) (desc, avail, used unsafe.Pointer, qsz uint16, inflightPath string) {
	q := t.queue(idx)
	t.mu.Lock()
	defer t.mu.Unlock()
	return q.desc, q.avail, q.used, q.qsz, q.inflightPath
}

// OnKick implements transport.Session.
func (t *MockTransport) OnKick(idx int, fn func()) {
	q := t.queue(idx)
	t.mu.Lock()
	q.kickFn = fn
	t.mu.Unlock()
}

// Close implements transport.Session.
func (t *MockTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (t *MockTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

var _ transport.Session = (*MockTransport)(nil)
