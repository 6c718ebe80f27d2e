package vhostblk

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestMockBackend(t *testing.T) {
	backend := NewMockBackend(1024)

	if backend.Size() != 1024 {
		t.Errorf("Size() = %d, want 1024", backend.Size())
	}

	testData := []byte("hello world")
	n, err := backend.WriteAt(testData, 0)
	if err != nil {
		t.Errorf("WriteAt failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("WriteAt wrote %d bytes, want %d", n, len(testData))
	}

	readBuf := make([]byte, len(testData))
	n, err = backend.ReadAt(readBuf, 0)
	if err != nil {
		t.Errorf("ReadAt failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("ReadAt read %d bytes, want %d", n, len(testData))
	}
	if string(readBuf) != string(testData) {
		t.Errorf("ReadAt got %q, want %q", readBuf, testData)
	}

	if err := backend.Flush(); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
	if !backend.IsFlushed() {
		t.Error("backend not marked as flushed")
	}

	if err := backend.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if !backend.IsClosed() {
		t.Error("backend not marked as closed")
	}

	if _, err := backend.ReadAt(readBuf, 0); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("ReadAt after close = %v, want ErrDeviceNotFound", err)
	}
}

func TestDiscardBackend(t *testing.T) {
	backend := NewMockBackend(1024)

	testData := []byte("hello world")
	backend.WriteAt(testData, 0)

	readBuf := make([]byte, len(testData))
	backend.ReadAt(readBuf, 0)
	if string(readBuf) != string(testData) {
		t.Fatal("data not written correctly")
	}

	discardBackend, ok := Backend(backend).(DiscardBackend)
	if !ok {
		t.Fatal("MockBackend should implement DiscardBackend")
	}

	if err := discardBackend.Discard(0, int64(len(testData))); err != nil {
		t.Errorf("Discard failed: %v", err)
	}

	backend.ReadAt(readBuf, 0)
	for i, b := range readBuf {
		if b != 0 {
			t.Errorf("byte %d not zeroed after discard: %d", i, b)
		}
	}
}

func TestDefaultParams(t *testing.T) {
	backend := NewMockBackend(1024)
	params := DefaultParams(backend)

	if params.Backend != backend {
		t.Error("Backend not set correctly")
	}
	if params.LogicalBlockSize != DefaultLogicalBlockSize {
		t.Errorf("LogicalBlockSize = %d, want %d", params.LogicalBlockSize, DefaultLogicalBlockSize)
	}
	if params.ReadOnly {
		t.Error("ReadOnly should default to false")
	}
	if params.Rotational {
		t.Error("Rotational should default to false")
	}
	if params.DiscardAlignment != DefaultDiscardAlignment {
		t.Errorf("DiscardAlignment = %d, want %d", params.DiscardAlignment, DefaultDiscardAlignment)
	}
}

func TestDeviceStateInspection(t *testing.T) {
	var device *Device
	if device.State() != DeviceStateStopped {
		t.Error("nil device should be in stopped state")
	}
	if device.IsRunning() {
		t.Error("nil device should not be running")
	}

	info := device.Info()
	if info.State != "" {
		t.Errorf("nil device info should show empty state, got %s", info.State)
	}
}

func BenchmarkMockBackendRead(b *testing.B) {
	backend := NewMockBackend(1024 * 1024)
	buf := make([]byte, 4096)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64(i*4096) % (1024*1024 - 4096)
		if _, err := backend.ReadAt(buf, offset); err != nil {
			b.Fatalf("ReadAt failed: %v", err)
		}
	}
}

func BenchmarkMockBackendWrite(b *testing.B) {
	backend := NewMockBackend(1024 * 1024)
	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = byte(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64(i*4096) % (1024*1024 - 4096)
		if _, err := backend.WriteAt(buf, offset); err != nil {
			b.Fatalf("WriteAt failed: %v", err)
		}
	}
}

// TestCreateAndServeLifecycle registers a device against a real Unix
// socket, without ever connecting a hypervisor to it, and verifies
// StopAndDelete tears it down cleanly: Close() on the listener must
// unblock the pending Accept() inside the device's own accept goroutine
// rather than leaving it stuck forever.
func TestCreateAndServeLifecycle(t *testing.T) {
	backend := NewMockBackend(1024 * 1024)
	params := DefaultParams(backend)
	params.SocketPath = filepath.Join(t.TempDir(), "vhost-blk.sock")
	params.NumQueues = 1
	params.Serial = "test-disk-0"

	dev, err := CreateAndServe(context.Background(), params, nil)
	if err != nil {
		t.Fatalf("CreateAndServe failed: %v", err)
	}

	if dev.SocketPath() != params.SocketPath {
		t.Errorf("SocketPath() = %s, want %s", dev.SocketPath(), params.SocketPath)
	}
	if dev.NumQueues() != 1 {
		t.Errorf("NumQueues() = %d, want 1", dev.NumQueues())
	}
	if dev.Size() != backend.Size() {
		t.Errorf("Size() = %d, want %d", dev.Size(), backend.Size())
	}

	info := dev.Info()
	if info.SocketPath != params.SocketPath {
		t.Errorf("Info().SocketPath = %s, want %s", info.SocketPath, params.SocketPath)
	}

	if err := StopAndDelete(context.Background(), dev); err != nil {
		t.Fatalf("StopAndDelete failed: %v", err)
	}
	if dev.IsRunning() {
		t.Error("device should not be running after StopAndDelete")
	}
}

func TestCreateAndServeRejectsMissingBackend(t *testing.T) {
	params := DeviceParams{SocketPath: "/tmp/whatever.sock"}
	if _, err := CreateAndServe(context.Background(), params, nil); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("expected ErrCodeInvalidParameters, got %v", err)
	}
}

func TestCreateAndServeRejectsMissingSocketPath(t *testing.T) {
	params := DeviceParams{Backend: NewMockBackend(1024)}
	if _, err := CreateAndServe(context.Background(), params, nil); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("expected ErrCodeInvalidParameters, got %v", err)
	}
}

func TestStopAndDeleteNilDevice(t *testing.T) {
	if err := StopAndDelete(context.Background(), nil); err == nil {
		t.Error("expected an error stopping a nil device")
	}
}
