package dnsforwarder

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// CacheVersion is the on-disk header version tag. A cache file written by a
// different version cannot be reloaded.
const CacheVersion = 23

// MinCacheSize is the smallest region size accepted, in bytes.
const MinCacheSize = 102400

const (
	headerSize  = 128
	nodeSize    = 32
	slotSize    = 4
	commentSize = headerSize - 4*7
)

var nativeEndian = binary.NativeEndian

// header field byte offsets within the first headerSize bytes of the region.
const (
	offVer           = 0
	offCacheSize     = 4
	offEnd           = 8
	offCacheCount    = 12
	offNodeChunkUsed = 16
	offSlotCount     = 20
	offFree2DHead    = 24
	offComment       = 28
)

// cacheBanner is written into the header's comment field of a freshly
// created cache, purely informational.
const cacheBanner = "Do not edit this file.\n"

// Region is the fixed-size backing store for the cache: either an
// anonymous memory mapping or a memory-mapped file, addressed entirely by
// byte offsets so that it can be rebound at any base address on reload.
//
// Layout, low to high address:
//
//	[ header (128B) ][ payload area, grows up via End ] ... [ node chunk, grows down ][ slot array ]
type Region struct {
	data []byte

	file     *os.File
	mmapped  bool
	anon     bool
	slotBase int32 // byte offset of slots[0]
	nodeTop  int32 // byte offset just past node index 0 (node i occupies [nodeTop-(i+1)*nodeSize, nodeTop-i*nodeSize))
	size     int32
}

// ErrHeaderMismatch is returned when an existing cache file's header is
// incompatible with the requested configuration.
type ErrHeaderMismatch struct {
	Reason string
}

func (e ErrHeaderMismatch) Error() string {
	return fmt.Sprintf("cache header mismatch: %s", e.Reason)
}

// roundUp8 rounds n up to the next multiple of 8, as spec.md requires for CacheSize.
func roundUp8(n int) int {
	return (n + 7) &^ 7
}

func roundUp4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// calculateSlotCount reproduces the original C `CacheHT_CalculateSlotCount`
// exactly, including its round-to-nearest-multiple-of-10 behavior (see
// DESIGN.md, Open Question (b)).
func calculateSlotCount(cacheSize int) int32 {
	var pre int
	if cacheSize < 1048576 {
		pre = cacheSize/4979 - 18
	} else {
		pre = int(math.Pow(math.Log(float64(cacheSize)), 2))
	}
	return int32(roundToNearestMultiple(pre, 10) + 7)
}

func roundToNearestMultiple(x, n int) int {
	if x >= 0 {
		return (x + n/2) / n * n
	}
	return -(((-x) + n/2) / n * n)
}

// newLayout computes slotBase/nodeTop for a region of the given size.
func newLayout(size int32, slotCount int32) (slotBase, nodeTop int32) {
	slotBase = size - slotCount*slotSize
	nodeTop = slotBase
	return
}

// OpenAnonymous creates a new memory-only region of the given size.
func OpenAnonymous(size int) (*Region, error) {
	size = roundUp8(size)
	if size < MinCacheSize {
		return nil, fmt.Errorf("cache size must not be less than %d bytes", MinCacheSize)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("allocating anonymous cache region: %w", err)
	}
	r := &Region{data: data, mmapped: true, anon: true, size: int32(size)}
	r.createFresh()
	return r, nil
}

// OpenFile opens or creates a memory-mapped cache file of the given size.
// If the file already existed and reload is true, the existing header is
// validated and the region rebound; on mismatch, overwrite controls whether
// the file is recreated or the open fails.
func OpenFile(path string, size int, reload, overwrite bool) (*Region, error) {
	size = roundUp8(size)
	if size < MinCacheSize {
		return nil, fmt.Errorf("cache size must not be less than %d bytes", MinCacheSize)
	}

	existed := fileIsReadable(path)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening cache file: %w", err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing cache file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping cache file: %w", err)
	}

	r := &Region{data: data, file: f, mmapped: true, size: int32(size)}

	if !existed || !reload {
		r.createFresh()
		return r, nil
	}

	if err := r.rebind(); err != nil {
		if !overwrite {
			r.Close()
			return nil, err
		}
		r.createFresh()
	}
	return r, nil
}

func fileIsReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// createFresh zeroes the region and writes a brand new header.
func (r *Region) createFresh() {
	for i := range r.data {
		r.data[i] = 0
	}
	nativeEndian.PutUint32(r.data[offVer:], CacheVersion)
	nativeEndian.PutUint32(r.data[offCacheSize:], uint32(r.size))
	nativeEndian.PutUint32(r.data[offEnd:], uint32(headerSize))
	nativeEndian.PutUint32(r.data[offCacheCount:], 0)
	nativeEndian.PutUint32(r.data[offNodeChunkUsed:], 0)

	slotCount := calculateSlotCount(int(r.size))
	nativeEndian.PutUint32(r.data[offSlotCount:], uint32(slotCount))
	r.SetFree2DHead(-1)

	copy(r.data[offComment:offComment+commentSize], cacheBanner)

	r.slotBase, r.nodeTop = newLayout(r.size, slotCount)
	r.initSlots()
}

// rebind re-derives slot/node-chunk base addresses from the header without
// touching any stored data. Returns ErrHeaderMismatch if the header's
// version or size don't match this Region's configuration.
func (r *Region) rebind() error {
	ver := nativeEndian.Uint32(r.data[offVer:])
	if ver != CacheVersion {
		return ErrHeaderMismatch{Reason: "incompatible cache version"}
	}
	size := int32(nativeEndian.Uint32(r.data[offCacheSize:]))
	if size != r.size {
		return ErrHeaderMismatch{Reason: "CacheSize does not match the existing cache file"}
	}
	slotCount := int32(nativeEndian.Uint32(r.data[offSlotCount:]))
	r.slotBase, r.nodeTop = newLayout(r.size, slotCount)
	return nil
}

func (r *Region) initSlots() {
	n := r.SlotCount()
	for i := int32(0); i < n; i++ {
		r.putSlot(i, -1)
	}
}

// Close releases the mapping (and, for file-backed regions, the file handle).
func (r *Region) Close() error {
	if r.mmapped {
		if err := unix.Munmap(r.data); err != nil {
			return err
		}
		r.mmapped = false
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Sync flushes a file-backed region to disk. No-op for anonymous regions.
func (r *Region) Sync() error {
	if r.anon || !r.mmapped {
		return nil
	}
	return unix.Msync(r.data, unix.MS_SYNC)
}

// --- header accessors ---

func (r *Region) Size() int32        { return r.size }
func (r *Region) SlotCount() int32   { return int32(nativeEndian.Uint32(r.data[offSlotCount:])) }
func (r *Region) End() int32         { return int32(nativeEndian.Uint32(r.data[offEnd:])) }
func (r *Region) SetEnd(v int32)     { nativeEndian.PutUint32(r.data[offEnd:], uint32(v)) }
func (r *Region) CacheCount() int32  { return int32(nativeEndian.Uint32(r.data[offCacheCount:])) }
func (r *Region) IncCacheCount()     { r.setCacheCount(r.CacheCount() + 1) }
func (r *Region) DecCacheCount()     { r.setCacheCount(r.CacheCount() - 1) }
func (r *Region) setCacheCount(v int32) {
	nativeEndian.PutUint32(r.data[offCacheCount:], uint32(v))
}
func (r *Region) NodeChunkUsed() int32 {
	return int32(nativeEndian.Uint32(r.data[offNodeChunkUsed:]))
}
func (r *Region) setNodeChunkUsed(v int32) {
	nativeEndian.PutUint32(r.data[offNodeChunkUsed:], uint32(v))
}
func (r *Region) Free2DHead() int32 {
	return int32(nativeEndian.Uint32(r.data[offFree2DHead:]))
}
func (r *Region) SetFree2DHead(v int32) {
	nativeEndian.PutUint32(r.data[offFree2DHead:], uint32(v))
}

// --- payload access ---

// Payload returns the byte slice [offset, offset+length) in the region,
// used to read or write a cached entry's raw bytes.
func (r *Region) Payload(offset, length int32) []byte {
	return r.data[offset : offset+length]
}

// --- slot access ---

func (r *Region) slotOffset(i int32) int32 { return r.slotBase + i*slotSize }

func (r *Region) getSlot(i int32) int32 {
	off := r.slotOffset(i)
	return int32(nativeEndian.Uint32(r.data[off:]))
}

func (r *Region) putSlot(i int32, v int32) {
	off := r.slotOffset(i)
	nativeEndian.PutUint32(r.data[off:], uint32(v))
}

// --- node access ---

func (r *Region) nodeOffset(i int32) int32 { return r.nodeTop - (i+1)*nodeSize }

// node field offsets, relative to a node's base offset.
const (
	nfSlot       = 0
	nfNext       = 4
	nfOffset     = 8
	nfTTL        = 12
	nfTimeAdded  = 16
	nfLength     = 24
	nfUsedLength = 28
)

// node is a decoded in-memory copy of a fixed-size record descriptor. Live
// entries use all seven fields; a released entry parked on the free 2D list
// reinterprets next/offset/ttl as keyNext/valNext/count (see free2dlist.go).
type node struct {
	slot       int32
	next       int32
	offset     int32
	ttl        uint32
	timeAdded  int64
	length     uint32
	usedLength uint32
}

func (r *Region) readNode(i int32) node {
	base := r.nodeOffset(i)
	b := r.data
	return node{
		slot:       int32(nativeEndian.Uint32(b[base+nfSlot:])),
		next:       int32(nativeEndian.Uint32(b[base+nfNext:])),
		offset:     int32(nativeEndian.Uint32(b[base+nfOffset:])),
		ttl:        nativeEndian.Uint32(b[base+nfTTL:]),
		timeAdded:  int64(nativeEndian.Uint64(b[base+nfTimeAdded:])),
		length:     nativeEndian.Uint32(b[base+nfLength:]),
		usedLength: nativeEndian.Uint32(b[base+nfUsedLength:]),
	}
}

func (r *Region) writeNode(i int32, n node) {
	base := r.nodeOffset(i)
	b := r.data
	nativeEndian.PutUint32(b[base+nfSlot:], uint32(n.slot))
	nativeEndian.PutUint32(b[base+nfNext:], uint32(n.next))
	nativeEndian.PutUint32(b[base+nfOffset:], uint32(n.offset))
	nativeEndian.PutUint32(b[base+nfTTL:], n.ttl)
	nativeEndian.PutUint64(b[base+nfTimeAdded:], uint64(n.timeAdded))
	nativeEndian.PutUint32(b[base+nfLength:], n.length)
	nativeEndian.PutUint32(b[base+nfUsedLength:], n.usedLength)
}

// free-2D-list view of a released node: key_next/val_next/count alias
// next/offset/ttl respectively; length and time_added keep their meaning.
func (n node) isFree() bool       { return n.slot < 0 }
func (n node) keyNext() int32     { return n.next }
func (n *node) setKeyNext(v int32) { n.next = v }
func (n node) valNext() int32     { return n.offset }
func (n *node) setValNext(v int32) { n.offset = v }
func (n node) count() uint32      { return n.ttl }
func (n *node) setCount(v uint32)  { n.ttl = v }
