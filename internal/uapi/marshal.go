package uapi

import "encoding/binary"

// MarshalInflightHeader encodes h into its 64-byte on-disk form.
func MarshalInflightHeader(h *InflightHeaderABI) []byte {
	buf := make([]byte, 64)
	binary.LittleEndian.PutUint64(buf[0:8], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.DescNum)
	binary.LittleEndian.PutUint64(buf[16:24], h.UsedIdx)
	binary.LittleEndian.PutUint64(buf[24:32], h.OldUsedIdx)
	return buf
}

// UnmarshalInflightHeader decodes the 64-byte on-disk header form.
func UnmarshalInflightHeader(data []byte) (InflightHeaderABI, error) {
	var h InflightHeaderABI
	if len(data) < 64 {
		return h, ErrInsufficientData
	}
	h.Version = binary.LittleEndian.Uint64(data[0:8])
	h.DescNum = binary.LittleEndian.Uint64(data[8:16])
	h.UsedIdx = binary.LittleEndian.Uint64(data[16:24])
	h.OldUsedIdx = binary.LittleEndian.Uint64(data[24:32])
	return h, nil
}

// MarshalInflightDesc encodes one 24-byte inflight_desc entry.
func MarshalInflightDesc(d *InflightDescABI) []byte {
	buf := make([]byte, 24)
	buf[0] = d.Inflight
	binary.LittleEndian.PutUint64(buf[8:16], d.Counter)
	binary.LittleEndian.PutUint16(buf[16:18], d.Num)
	binary.LittleEndian.PutUint16(buf[18:20], d.Next)
	return buf
}

// UnmarshalInflightDesc decodes one 24-byte inflight_desc entry.
func UnmarshalInflightDesc(data []byte) (InflightDescABI, error) {
	var d InflightDescABI
	if len(data) < 24 {
		return d, ErrInsufficientData
	}
	d.Inflight = data[0]
	d.Counter = binary.LittleEndian.Uint64(data[8:16])
	d.Num = binary.LittleEndian.Uint16(data[16:18])
	d.Next = binary.LittleEndian.Uint16(data[18:20])
	return d, nil
}

// MarshalBlkHeader encodes the 16-byte virtio-blk request header.
func MarshalBlkHeader(h *BlkHeader) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], h.Type)
	binary.LittleEndian.PutUint32(buf[4:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], h.Sector)
	return buf
}

// UnmarshalBlkHeader decodes the 16-byte virtio-blk request header.
func UnmarshalBlkHeader(data []byte) (BlkHeader, error) {
	var h BlkHeader
	if len(data) < 16 {
		return h, ErrInsufficientData
	}
	h.Type = binary.LittleEndian.Uint32(data[0:4])
	h.Reserved = binary.LittleEndian.Uint32(data[4:8])
	h.Sector = binary.LittleEndian.Uint64(data[8:16])
	return h, nil
}

// UnmarshalDiscardSegment decodes one 16-byte discard segment entry.
func UnmarshalDiscardSegment(data []byte) (DiscardSegment, error) {
	var s DiscardSegment
	if len(data) < 16 {
		return s, ErrInsufficientData
	}
	s.Sector = binary.LittleEndian.Uint64(data[0:8])
	s.NumSectors = binary.LittleEndian.Uint32(data[8:12])
	s.Flags = binary.LittleEndian.Uint32(data[12:16])
	return s, nil
}

// MarshalError reports a fixed-layout encode/decode failure.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
