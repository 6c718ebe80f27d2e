package backend

import (
	"errors"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	vhostblk "github.com/behrlich/go-vhost-blk"
)

// File is a regular-file-backed Backend, reading and writing through
// pread(2)/pwrite(2) on a single shared file descriptor. Unlike Memory
// it does not shard locking internally: the kernel already serializes
// concurrent pread/pwrite on one fd, so File's RWMutex only keeps
// operations from racing a concurrent Close: ReadAt, WriteAt, Flush and
// Discard hold the read lock, Close the write lock.
type File struct {
	f        *os.File
	size     int64
	alignment int64

	mu     sync.RWMutex
	closed bool
}

// OpenFile opens path as a File backend. If direct is true, the file is
// opened with O_DIRECT and reads/writes must use buffers aligned to
// alignment bytes (typically the backing filesystem's logical block
// size); callers that don't already align their buffers should wrap
// this Backend or pass direct=false.
func OpenFile(path string, direct bool, alignment int64) (*File, error) {
	flags := os.O_RDWR
	if direct {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, vhostblk.WrapError("OpenFile", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, vhostblk.WrapError("OpenFile", err)
	}

	if alignment <= 0 {
		alignment = 512
	}

	return &File{f: f, size: info.Size(), alignment: alignment}, nil
}

// CreateFile creates (or truncates) a new file of the given size and
// opens it as a File backend. Used by tests and by callers that want a
// fresh sparse disk image rather than an existing device node.
func CreateFile(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, vhostblk.WrapError("CreateFile", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, vhostblk.WrapError("CreateFile", err)
	}
	return &File{f: f, size: size, alignment: 512}, nil
}

func (b *File) aligned(off int64, n int) bool {
	return off%b.alignment == 0 && int64(n)%b.alignment == 0
}

// ReadAt implements the Backend interface.
func (b *File) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, vhostblk.ErrDeviceNotFound
	}
	if off >= b.size {
		return 0, nil
	}

	available := b.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n, err := b.f.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, vhostblk.WrapError("ReadAt", err)
	}
	return n, nil
}

// WriteAt implements the Backend interface.
func (b *File) WriteAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, vhostblk.ErrDeviceNotFound
	}
	if off >= b.size {
		return 0, vhostblk.NewError("WriteAt", vhostblk.ErrCodeInvalidParameters, "offset beyond end of device")
	}

	available := b.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	n, err := b.f.WriteAt(p, off)
	if err != nil {
		return n, vhostblk.WrapError("WriteAt", err)
	}
	return n, nil
}

// Size implements the Backend interface.
func (b *File) Size() int64 {
	return b.size
}

// Close implements the Backend interface.
func (b *File) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.f.Close()
}

// Flush implements the Backend interface, calling fdatasync(2).
func (b *File) Flush() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return vhostblk.ErrDeviceNotFound
	}
	if err := unix.Fdatasync(int(b.f.Fd())); err != nil {
		return vhostblk.WrapError("Flush", err)
	}
	return nil
}

// Discard implements the DiscardBackend interface via fallocate's
// FALLOC_FL_PUNCH_HOLE, turning the range into a hole backed by zeros
// without requiring the caller to actually write zero bytes.
func (b *File) Discard(offset, length int64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return vhostblk.ErrDeviceNotFound
	}
	if offset >= b.size {
		return nil
	}
	if offset+length > b.size {
		length = b.size - offset
	}

	err := unix.Fallocate(int(b.f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
	if err != nil {
		return vhostblk.WrapError("Discard", err)
	}
	return nil
}

// Aligned reports whether an I/O of length n at offset off satisfies
// this file's O_DIRECT alignment requirement. A caller driving this
// Backend from descriptor-chain buffers that aren't guaranteed aligned
// should check this and fall back to a bounce buffer when it's false.
func (b *File) Aligned(off int64, n int) bool {
	return b.aligned(off, n)
}

// Compile-time interface checks
var (
	_ vhostblk.Backend        = (*File)(nil)
	_ vhostblk.DiscardBackend = (*File)(nil)
)
