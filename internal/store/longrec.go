package store

import (
	"encoding/binary"
	"fmt"

	"github.com/SimonWaldherr/persistkv/internal/mvv"
)

// Long records: values exceeding the in-page budget are stored as a chain
// of LongRecord pages linked through the right-sibling field. The leaf
// slot holds a fixed-size pointer stub; the stub participates in MVCC,
// the chain does not.
//
// Stub layout: [0] = mvv.MarkerLong, [1:9] head page addr (uint64 LE),
// [9:13] total length (uint32 LE).

const longStubSize = 13

// longThreshold returns the largest value stored inline for a page size.
func longThreshold(pageSize int) int {
	return pageSize / 4
}

// longChunkSize is the payload capacity of one LongRecord page.
func longChunkSize(pageSize int) int {
	return pageSize - PageHeaderSize
}

func encodeLongStub(head uint64, total int) []byte {
	stub := make([]byte, longStubSize)
	stub[0] = mvv.MarkerLong
	binary.LittleEndian.PutUint64(stub[1:9], head)
	binary.LittleEndian.PutUint32(stub[9:13], uint32(total))
	return stub
}

func decodeLongStub(stub []byte) (head uint64, total int, err error) {
	if len(stub) != longStubSize || stub[0] != mvv.MarkerLong {
		return 0, 0, fmt.Errorf("%w: malformed long-record stub (%d bytes)", ErrCorruptPage, len(stub))
	}
	return binary.LittleEndian.Uint64(stub[1:9]), int(binary.LittleEndian.Uint32(stub[9:13])), nil
}

// writeLongRecord stores value as a fresh chain and returns its stub.
func (ex *Exchange) writeLongRecord(value []byte) ([]byte, error) {
	vol := ex.tree.vol
	pool := ex.db.poolFor(vol.pageSize)
	chunk := longChunkSize(vol.pageSize)

	var head, prev uint64
	for off := 0; off < len(value); off += chunk {
		end := off + chunk
		if end > len(value) {
			end = len(value)
		}
		addr, err := vol.allocPage(ex)
		if err != nil {
			return nil, err
		}
		b, err := pool.get(vol, addr, ex, true, false, ex.timeout)
		if err != nil {
			return nil, err
		}
		initPage(b.data, PageTypeLongRecord, addr)
		setPageKeyCount(b.data, end-off) // payload length rides the count field
		copy(b.data[PageHeaderSize:], value[off:end])
		b.touch(ex.db.alloc.Next())
		pool.release(b, ex)

		if prev != InvalidPageAddr {
			pb, err := pool.get(vol, prev, ex, true, true, ex.timeout)
			if err != nil {
				return nil, err
			}
			setPageRightSibling(pb.data, addr)
			pb.touch(ex.db.alloc.Next())
			pool.release(pb, ex)
		} else {
			head = addr
		}
		prev = addr
	}
	if head == InvalidPageAddr {
		// Zero-length long record: single empty page keeps the chain
		// shape regular.
		addr, err := vol.allocPage(ex)
		if err != nil {
			return nil, err
		}
		b, err := pool.get(vol, addr, ex, true, false, ex.timeout)
		if err != nil {
			return nil, err
		}
		initPage(b.data, PageTypeLongRecord, addr)
		b.touch(ex.db.alloc.Next())
		pool.release(b, ex)
		head = addr
	}
	return encodeLongStub(head, len(value)), nil
}

// readLongRecord assembles a chain's bytes from its stub.
func (ex *Exchange) readLongRecord(stub []byte) ([]byte, error) {
	head, total, err := decodeLongStub(stub)
	if err != nil {
		return nil, err
	}
	vol := ex.tree.vol
	pool := ex.db.poolFor(vol.pageSize)
	out := make([]byte, 0, total)
	addr := head
	for addr != InvalidPageAddr && len(out) < total {
		b, err := pool.get(vol, addr, ex, false, true, ex.timeout)
		if err != nil {
			return nil, err
		}
		if b.Type() != PageTypeLongRecord {
			pool.release(b, ex)
			return nil, corruptPage(vol.name, addr, "expected LongRecord page, found %s", b.Type())
		}
		n := pageKeyCount(b.data)
		if n > longChunkSize(vol.pageSize) {
			n = longChunkSize(vol.pageSize)
		}
		if remain := total - len(out); n > remain {
			n = remain
		}
		out = append(out, b.data[PageHeaderSize:PageHeaderSize+n]...)
		next := b.RightSibling()
		pool.release(b, ex)
		addr = next
	}
	if len(out) != total {
		return nil, corruptPage(vol.name, head, "long record chain short: %d of %d bytes", len(out), total)
	}
	return out, nil
}

// freeLongRecord returns a chain's pages to the garbage chain.
func (ex *Exchange) freeLongRecord(stub []byte) error {
	head, _, err := decodeLongStub(stub)
	if err != nil {
		return err
	}
	vol := ex.tree.vol
	pool := ex.db.poolFor(vol.pageSize)
	addr := head
	for addr != InvalidPageAddr {
		b, err := pool.get(vol, addr, ex, false, true, ex.timeout)
		if err != nil {
			return err
		}
		next := b.RightSibling()
		pool.release(b, ex)
		if err := vol.deallocPage(ex, addr); err != nil {
			return err
		}
		addr = next
	}
	return nil
}
