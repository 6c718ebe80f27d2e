// Package uapi defines the on-the-wire and in-shared-memory layouts this
// library exchanges with a hypervisor: split-virtqueue descriptors, avail
// and used rings, the inflight-region ABI, and the virtio-blk request
// header. Every struct here must match its guest-visible layout byte for
// byte; field order and width are not cosmetic.
package uapi

import "unsafe"

// Descriptor flag bits (virtio spec §2.7.5).
const (
	DescFNext     uint16 = 1 << 0 // buffer continues via Next
	DescFWrite    uint16 = 1 << 1 // buffer is device-writable
	DescFIndirect uint16 = 1 << 2 // buffer is a table of descriptors
)

// Descriptor is one 16-byte split-virtqueue descriptor.
type Descriptor struct {
	Addr  uint64 // guest-physical address
	Len   uint32 // buffer length in bytes
	Flags uint16
	Next  uint16 // next descriptor index, valid iff DescFNext is set
}

// Compile-time size check: the kernel/driver-visible layout is 16 bytes.
var _ [16]byte = [unsafe.Sizeof(Descriptor{})]byte{}

func (d *Descriptor) HasNext() bool     { return d.Flags&DescFNext != 0 }
func (d *Descriptor) IsWriteOnly() bool { return d.Flags&DescFWrite != 0 }
func (d *Descriptor) IsIndirect() bool  { return d.Flags&DescFIndirect != 0 }

// UsedElem is one 8-byte entry in the used ring.
type UsedElem struct {
	ID  uint32 // head descriptor index of the completed chain
	Len uint32 // bytes written by the device
}

var _ [8]byte = [unsafe.Sizeof(UsedElem{})]byte{}

// InflightDescABI is the on-disk/on-mmap layout of one inflight_desc entry,
// exactly 24 bytes as specified by the stable inflight-region ABI.
type InflightDescABI struct {
	Inflight uint8
	_        [7]byte // padding to align Counter on an 8-byte boundary
	Counter  uint64  // monotonic submission stamp, assigned on avail-consume
	Num      uint16  // descriptor chain length at submission time
	Next     uint16  // reserved for multi-segment chains; unused by split rings
	_        [4]byte // pad to 24 bytes
}

var _ [24]byte = [unsafe.Sizeof(InflightDescABI{})]byte{}

// InflightHeaderABI is the fixed 64-byte header preceding the
// inflight_desc array in the inflight region.
type InflightHeaderABI struct {
	Version    uint64
	DescNum    uint64
	UsedIdx    uint64
	OldUsedIdx uint64
	_          [32]byte // pad to 64 bytes
}

var _ [64]byte = [unsafe.Sizeof(InflightHeaderABI{})]byte{}

// InflightRegionVersion is the only currently defined inflight-region ABI version.
const InflightRegionVersion uint64 = 1

// Virtio-blk request type field (virtio-blk spec, struct virtio_blk_req.type).
const (
	BlkTypeIn      uint32 = 0 // read
	BlkTypeOut     uint32 = 1 // write
	BlkTypeFlush   uint32 = 4
	BlkTypeGetID   uint32 = 8
	BlkTypeDiscard uint32 = 11
)

// DiscardSegment is one entry of a discard request's data buffer: a
// sector range the guest no longer needs backing storage for.
type DiscardSegment struct {
	Sector     uint64
	NumSectors uint32
	Flags      uint32
}

// Virtio-blk status byte values, written into the request's write-only
// status segment.
const (
	BlkStatusOK     uint8 = 0
	BlkStatusIOErr  uint8 = 1
	BlkStatusUnsupp uint8 = 2
)

// BlkHeader is the 16-byte read-only header prefixing every virtio-blk request.
type BlkHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

var _ [16]byte = [unsafe.Sizeof(BlkHeader{})]byte{}
