// Package store implements the storage core: typed pages, the buffer pool
// with reader/writer claims, volumes and their directory trees, the B+tree
// Exchange, long-record chains, the write-ahead journal with copyback, the
// recovery and checkpoint protocols, transactions, and the background
// cleanup manager.
//
// The on-disk unit is a fixed-size page (1-16 KiB, power of two). Page 0
// of every volume is the head page; data and index pages carry a slotted,
// prefix-compressed key layout. Every page is CRC32-C checksummed.
package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// MinPageSize and MaxPageSize bound the valid page sizes. The full
	// valid set is {1024, 2048, 4096, 8192, 16384}.
	MinPageSize = 1024
	MaxPageSize = 16384

	// DefaultPageSize is used when a volume spec does not name one.
	DefaultPageSize = 16384

	// PageHeaderSize is the size of the common page header in bytes.
	// Layout:
	//   [0]     PageType     (1 byte)
	//   [1]     Flags        (1 byte)
	//   [2:4]   KeyCount     (uint16 LE)
	//   [4:6]   FreeSpaceEnd (uint16 LE)
	//   [6:8]   Reserved     (2 bytes)
	//   [8:16]  PageAddr     (uint64 LE)
	//   [16:24] RightSibling (uint64 LE)
	//   [24:32] Timestamp    (uint64 LE — ts of last modification)
	//   [32:36] CRC32C       (uint32 LE, computed with field zeroed)
	//   [36:40] Reserved     (4 bytes)
	PageHeaderSize = 40

	// InvalidPageAddr is the null page pointer. Page 0 is always a head
	// page and is never the target of a tree or chain link.
	InvalidPageAddr uint64 = 0
)

// ValidPageSize reports whether ps is one of the supported page sizes.
func ValidPageSize(ps int) bool {
	switch ps {
	case 1024, 2048, 4096, 8192, 16384:
		return true
	}
	return false
}

// PageType identifies the kind of data stored in a page.
type PageType uint8

const (
	PageTypeHead       PageType = 0x01 // volume header, page 0
	PageTypeData       PageType = 0x02 // B+tree leaf
	PageTypeIndex      PageType = 0x03 // B+tree interior
	PageTypeIndexHead  PageType = 0x04 // B+tree root while interior
	PageTypeLongRecord PageType = 0x05 // overflow chain member
	PageTypeGarbage    PageType = 0x06 // deallocated, on the garbage chain
)

func (pt PageType) String() string {
	switch pt {
	case PageTypeHead:
		return "Head"
	case PageTypeData:
		return "Data"
	case PageTypeIndex:
		return "Index"
	case PageTypeIndexHead:
		return "IndexHead"
	case PageTypeLongRecord:
		return "LongRecord"
	case PageTypeGarbage:
		return "Garbage"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(pt))
	}
}

// isTreeLevel reports whether the type participates in B+tree structure.
func (pt PageType) isTreeLevel() bool {
	return pt == PageTypeData || pt == PageTypeIndex || pt == PageTypeIndexHead
}

// Header field accessors over a raw page buffer -----------------------------

func pageType(buf []byte) PageType { return PageType(buf[0]) }
func setPageType(buf []byte, pt PageType) {
	buf[0] = byte(pt)
}

func pageKeyCount(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[2:4]))
}
func setPageKeyCount(buf []byte, n int) {
	binary.LittleEndian.PutUint16(buf[2:4], uint16(n))
}

func pageFreeSpaceEnd(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[4:6]))
}
func setPageFreeSpaceEnd(buf []byte, off int) {
	binary.LittleEndian.PutUint16(buf[4:6], uint16(off))
}

func pageAddrOf(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[8:16])
}
func setPageAddr(buf []byte, addr uint64) {
	binary.LittleEndian.PutUint64(buf[8:16], addr)
}

func pageRightSibling(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[16:24])
}
func setPageRightSibling(buf []byte, addr uint64) {
	binary.LittleEndian.PutUint64(buf[16:24], addr)
}

func pageTimestamp(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[24:32])
}
func setPageTimestamp(buf []byte, ts uint64) {
	binary.LittleEndian.PutUint64(buf[24:32], ts)
}

// CRC helpers ---------------------------------------------------------------

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// computePageCRC computes the CRC32-C of a full page, treating the CRC
// field (bytes 32..36) as zero during computation.
func computePageCRC(page []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(page[:32])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(page[36:])
	return h.Sum32()
}

// setPageCRC computes and writes the CRC into the page header.
func setPageCRC(page []byte) {
	binary.LittleEndian.PutUint32(page[32:36], computePageCRC(page))
}

// verifyPageCRC checks the checksum of a page read from disk.
func verifyPageCRC(page []byte) error {
	stored := binary.LittleEndian.Uint32(page[32:36])
	computed := computePageCRC(page)
	if stored != computed {
		return fmt.Errorf("%w: addr %d stored=%08x computed=%08x",
			ErrCorruptPage, pageAddrOf(page), stored, computed)
	}
	return nil
}

// initPage zeroes buf and writes a fresh header.
func initPage(buf []byte, pt PageType, addr uint64) {
	for i := range buf {
		buf[i] = 0
	}
	setPageType(buf, pt)
	setPageAddr(buf, addr)
	setPageRightSibling(buf, InvalidPageAddr)
	setPageFreeSpaceEnd(buf, len(buf))
}
