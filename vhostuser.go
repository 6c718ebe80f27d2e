// Package vhostblk provides the main API for registering userspace
// virtio-blk (and virtiofs) devices over the vhost-user protocol.
package vhostblk

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/behrlich/go-vhost-blk/internal/constants"
	"github.com/behrlich/go-vhost-blk/internal/device"
	"github.com/behrlich/go-vhost-blk/internal/eventloop"
	"github.com/behrlich/go-vhost-blk/internal/interfaces"
	"github.com/behrlich/go-vhost-blk/internal/logging"
	"github.com/behrlich/go-vhost-blk/internal/reqqueue"
)

// Backend is the storage operations a registered block device dispatches
// virtio-blk requests to. It is the public alias of
// internal/interfaces.Backend, re-exported so callers don't need to
// import the internal package directly.
type Backend = interfaces.Backend

// DiscardBackend is the public alias of internal/interfaces.DiscardBackend,
// an optional extension a Backend implements to support TRIM/DISCARD.
type DiscardBackend = interfaces.DiscardBackend

// Logger is the public alias of internal/interfaces.Logger, the
// interface a caller supplies via Options to receive device lifecycle
// messages.
type Logger = interfaces.Logger

// FSBackend is the operation surface a registered virtiofs device
// dispatches to: one opaque request buffer in, one opaque response
// buffer out per descriptor chain.
type FSBackend = device.FSBackend

// DeviceParams contains parameters for registering a virtio-blk device.
type DeviceParams struct {
	// Backend provides the storage implementation.
	Backend Backend

	// SocketPath is the Unix domain socket the hypervisor connects to.
	// A stale file at this path from a prior, crashed instance is
	// removed before listening.
	SocketPath string

	// Serial is reported back to the guest on a GET_ID request.
	Serial string

	// Device configuration
	NumQueues        int // Number of virtqueues to negotiate (default: number of CPUs)
	LogicalBlockSize int // Logical block size in bytes (default: 512)

	// Device attributes
	ReadOnly      bool // Reject write/discard requests with an I/O error
	Rotational    bool // Device is rotational (HDD-like); informational only
	VolatileCache bool // Device has a volatile write cache; informational only
	EnableFUA     bool // Force Unit Access; informational only, not advertised to the guest

	// Discard parameters; informational only, not passed to the device or
	// the guest (discard requests reach Backend only if it implements
	// DiscardBackend)
	DiscardAlignment   uint32
	DiscardGranularity uint32
	MaxDiscardSectors  uint32
	MaxDiscardSegments uint16
}

// DefaultParams returns default device parameters for backend.
func DefaultParams(backend Backend) DeviceParams {
	return DeviceParams{
		Backend:          backend,
		NumQueues:        0, // 0 means auto-detect based on CPUs
		LogicalBlockSize: constants.DefaultLogicalBlockSize,

		ReadOnly:      false,
		Rotational:    false,
		VolatileCache: false,
		EnableFUA:     false,

		DiscardAlignment:   constants.DefaultDiscardAlignment,
		DiscardGranularity: constants.DefaultDiscardGranularity,
		MaxDiscardSectors:  constants.DefaultMaxDiscardSectors,
		MaxDiscardSegments: constants.DefaultMaxDiscardSegments,
	}
}

// FSParams contains parameters for registering a virtiofs device.
type FSParams struct {
	Backend    FSBackend
	SocketPath string
	NumQueues  int
	Tag        string
}

// Options contains additional options for device registration.
type Options struct {
	// Context handed to device registration in place of ctx (if nil, ctx
	// is used); cancelling it does not stop a device that is serving
	Context context.Context

	// Logger for lifecycle messages (if nil, no logging)
	Logger Logger

	// Observer for metrics collection (if nil, uses a MetricsObserver
	// backed by the device's own Metrics)
	Observer Observer
}

// DeviceState is a registered device's lifecycle stage.
type DeviceState string

const (
	DeviceStateStarting DeviceState = "starting"
	DeviceStateRunning  DeviceState = "running"
	DeviceStateDraining DeviceState = "draining"
	DeviceStateStopped  DeviceState = "stopped"
)

// Device represents a registered vhost-user device: the socket, its
// negotiated virtqueues, and the worker goroutine draining the shared
// request queue into backend I/O.
type Device struct {
	inner   *device.Device
	backend Backend
	params  DeviceParams

	metrics  *Metrics
	observer Observer

	rq         *reqqueue.Queue
	workerLoop *eventloop.Loop
	numWorkers int
	wg         sync.WaitGroup
}

// CreateAndServe registers backend as a virtio-blk device listening on
// params.SocketPath and starts serving I/O. It returns once the socket
// is listening; the hypervisor's connection and every virtqueue attach
// happen asynchronously.
//
// The device continues serving I/O until StopAndDelete is called or an
// unrecoverable error occurs. Cancelling ctx does not stop it.
//
// Example:
//
//	disk := backend.NewMemory(64 << 20) // 64MB RAM disk
//	params := vhostblk.DefaultParams(disk)
//	params.SocketPath = "/tmp/vhost-blk.sock"
//	dev, err := vhostblk.CreateAndServe(context.Background(), params, nil)
func CreateAndServe(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	if params.Backend == nil {
		return nil, NewError("CreateAndServe", ErrCodeInvalidParameters, "backend is required")
	}
	if params.SocketPath == "" {
		return nil, NewError("CreateAndServe", ErrCodeInvalidParameters, "socket path is required")
	}
	if params.LogicalBlockSize == 0 {
		params.LogicalBlockSize = constants.DefaultLogicalBlockSize
	}

	numQueues := params.NumQueues
	if numQueues <= 0 {
		numQueues = runtime.NumCPU()
		params.NumQueues = numQueues
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	workerLoop, err := eventloop.New(logging.Default())
	if err != nil {
		return nil, WrapError("CreateAndServe", err)
	}
	rq := reqqueue.New(workerLoop)

	info := device.BlockInfo{
		SocketPath:  params.SocketPath,
		Serial:      params.Serial,
		BlockSize:   uint32(params.LogicalBlockSize),
		TotalBlocks: uint64(params.Backend.Size()) / uint64(params.LogicalBlockSize),
		NumQueues:   numQueues,
		ReadOnly:    params.ReadOnly,
		Observer:    observer,
	}

	innerDev, err := device.RegisterBlockDev(ctx, info, rq, params.Backend)
	if err != nil {
		workerLoop.Close()
		return nil, WrapError("CreateAndServe", err)
	}

	d := &Device{
		inner:      innerDev,
		backend:    params.Backend,
		params:     params,
		metrics:    metrics,
		observer:   observer,
		rq:         rq,
		workerLoop: workerLoop,
		numWorkers: 1,
	}

	d.wg.Add(1)
	go d.runBlockWorker()

	if options.Logger != nil {
		options.Logger.Printf("vhost-blk device listening on %s (%d queues)", params.SocketPath, numQueues)
	}
	return d, nil
}

// CreateFSAndServe registers backend as a virtiofs device listening on
// params.SocketPath and starts serving requests, following the same
// lifecycle as CreateAndServe.
func CreateFSAndServe(ctx context.Context, params FSParams, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	if params.Backend == nil {
		return nil, NewError("CreateFSAndServe", ErrCodeInvalidParameters, "backend is required")
	}
	if params.SocketPath == "" {
		return nil, NewError("CreateFSAndServe", ErrCodeInvalidParameters, "socket path is required")
	}

	numQueues := params.NumQueues
	if numQueues <= 0 {
		numQueues = runtime.NumCPU()
	}

	workerLoop, err := eventloop.New(logging.Default())
	if err != nil {
		return nil, WrapError("CreateFSAndServe", err)
	}
	rq := reqqueue.New(workerLoop)

	info := device.FSInfo{
		SocketPath: params.SocketPath,
		NumQueues:  numQueues,
		Tag:        params.Tag,
	}

	innerDev, err := device.RegisterFS(ctx, info, rq, params.Backend)
	if err != nil {
		workerLoop.Close()
		return nil, WrapError("CreateFSAndServe", err)
	}

	d := &Device{
		inner:      innerDev,
		params:     DeviceParams{SocketPath: params.SocketPath, NumQueues: numQueues},
		metrics:    NewMetrics(),
		rq:         rq,
		workerLoop: workerLoop,
		numWorkers: 1,
	}

	d.wg.Add(1)
	go d.runFSWorker()

	if options.Logger != nil {
		options.Logger.Printf("virtiofs device listening on %s (%d queues)", params.SocketPath, numQueues)
	}
	return d, nil
}

// runBlockWorker is the single dedicated worker thread that drains the
// shared request queue into backend I/O for a block device, per the
// thread-class split documented on internal/device.Device.HandleRequest.
func (d *Device) runBlockWorker() {
	defer d.wg.Done()
	for {
		more, err := d.rq.Run()
		if err != nil {
			logging.Default().Warn("vhostblk: worker loop exiting on error", "err", err)
			return
		}
		for {
			r, ok := d.rq.Dequeue()
			if !ok {
				break
			}
			d.inner.HandleRequest(r)
		}
		if !more {
			return
		}
	}
}

func (d *Device) runFSWorker() {
	defer d.wg.Done()
	for {
		more, err := d.rq.Run()
		if err != nil {
			logging.Default().Warn("vhostblk: fs worker loop exiting on error", "err", err)
			return
		}
		for {
			r, ok := d.rq.Dequeue()
			if !ok {
				break
			}
			d.inner.HandleFSRequest(r)
		}
		if !more {
			return
		}
	}
}

// State reports the device's current lifecycle stage.
func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateStopped
	}
	return DeviceState(d.inner.State().String())
}

// IsRunning returns true if the device is currently serving I/O.
func (d *Device) IsRunning() bool {
	return d.State() == DeviceStateRunning
}

// NumQueues returns the number of virtqueues configured for this device.
func (d *Device) NumQueues() int {
	if d == nil {
		return 0
	}
	return d.params.NumQueues
}

// BlockSize returns the logical block size of this device.
func (d *Device) BlockSize() int {
	if d == nil {
		return 0
	}
	return d.params.LogicalBlockSize
}

// SocketPath returns the vhost-user socket path this device listens on.
func (d *Device) SocketPath() string {
	if d == nil {
		return ""
	}
	return d.params.SocketPath
}

// Size returns the size of the device's backend in bytes.
func (d *Device) Size() int64 {
	if d == nil || d.backend == nil {
		return 0
	}
	return d.backend.Size()
}

// DeviceInfo contains comprehensive information about a registered device.
type DeviceInfo struct {
	SocketPath string      `json:"socket_path"`
	State      DeviceState `json:"state"`
	NumQueues  int         `json:"num_queues"`
	BlockSize  int         `json:"block_size"`
	Size       int64       `json:"size"`
	Running    bool        `json:"running"`
}

// Info returns comprehensive information about the device.
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}
	state := d.State()
	return DeviceInfo{
		SocketPath: d.params.SocketPath,
		State:      state,
		NumQueues:  d.params.NumQueues,
		BlockSize:  d.params.LogicalBlockSize,
		Size:       d.Size(),
		Running:    state == DeviceStateRunning,
	}
}

// Metrics returns the current metrics for the device.
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics.
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// drainTimeout bounds how long StopAndDelete waits for the device's
// virtqueues to finish draining before giving up and tearing the
// worker down anyway.
const drainTimeout = 5 * time.Second

// StopAndDelete stops a registered device: every virtqueue drains to
// zero in-flight requests, the socket is closed, and the shared worker
// goroutine is stopped. This should be called to cleanly shut a device
// down before freeing its backend.
func StopAndDelete(ctx context.Context, d *Device) error {
	if d == nil {
		return NewError("StopAndDelete", ErrCodeInvalidParameters, "device is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	done := make(chan struct{})
	d.inner.Unregister(func() { close(done) })

	timeout := time.NewTimer(drainTimeout)
	defer timeout.Stop()
	select {
	case <-done:
	case <-ctx.Done():
	case <-timeout.C:
	}

	d.rq.Stop()
	d.wg.Wait()
	_ = d.workerLoop.Close()
	d.metrics.Stop()
	return nil
}
