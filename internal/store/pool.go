package store

import (
	"fmt"
	"time"

	"sync"
)

// poolKey addresses a frame: pages are unique per (volume id, address).
type poolKey struct {
	volID uint64
	addr  uint64
}

// BufferPool is a fixed-size cache of page frames for one page size.
// Frames are found through a hash index and recycled with a clock sweep
// over unpinned, unclaimed frames; dirty frames are flushed before reuse,
// through the journal for journalled volumes and in place for temporary
// volumes.
type BufferPool struct {
	db       *DB
	pageSize int

	mu     sync.Mutex
	frames []*Buffer
	index  map[poolKey]*Buffer
	hand   int
}

// newBufferPool allocates count frames of the given page size.
func newBufferPool(db *DB, pageSize, count int) *BufferPool {
	p := &BufferPool{
		db:       db,
		pageSize: pageSize,
		frames:   make([]*Buffer, count),
		index:    make(map[poolKey]*Buffer, count),
	}
	for i := range p.frames {
		p.frames[i] = newBuffer(pageSize)
	}
	return p
}

// PageSize returns the frame size of this pool.
func (p *BufferPool) PageSize() int { return p.pageSize }

// FrameCount returns the number of frames.
func (p *BufferPool) FrameCount() int { return len(p.frames) }

// get returns a pinned, claimed buffer for (vol, addr), loading the page
// from the journal's live page map or the volume file as needed. When
// mustLoad is false a fresh frame is returned without disk I/O (page
// allocation path). The caller must release through p.release.
func (p *BufferPool) get(vol *Volume, addr uint64, owner any, writer, mustLoad bool, timeout time.Duration) (*Buffer, error) {
	key := poolKey{volID: vol.id, addr: addr}

	p.mu.Lock()
	if b, ok := p.index[key]; ok {
		b.pinned++
		b.clockRef = true
		p.mu.Unlock()
		p.db.metrics.poolHits.Inc()
		if err := b.claim(owner, writer, timeout); err != nil {
			p.unpin(b)
			return nil, err
		}
		return b, nil
	}
	p.db.metrics.poolMisses.Inc()

	b, err := p.reclaimFrame()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	b.vol = vol
	b.addr = addr
	b.valid = false
	b.dirty = false
	b.fastIndex = nil
	b.pinned = 1
	b.clockRef = true
	// Take the load claim before the frame becomes findable: a second
	// thread hitting the index entry then blocks until the load is done.
	b.mu.Lock()
	if !b.tryGrant(owner, true) {
		b.mu.Unlock()
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: reclaimed frame unexpectedly claimed", ErrInUse)
	}
	b.mu.Unlock()
	p.index[key] = b
	p.mu.Unlock()
	if mustLoad {
		if err := p.loadPage(vol, addr, b); err != nil {
			b.release(owner)
			p.forget(b)
			return nil, err
		}
	} else {
		initPage(b.data, PageTypeData, addr)
		b.ts = 0
	}
	b.valid = true
	if !writer {
		b.release(owner)
		if err := b.claim(owner, false, timeout); err != nil {
			p.unpin(b)
			return nil, err
		}
	}
	return b, nil
}

// loadPage fills b.data from the journal page map, or from the volume.
func (p *BufferPool) loadPage(vol *Volume, addr uint64, b *Buffer) error {
	if !vol.temporary && p.db.journal != nil {
		if ok, err := p.db.journal.ReadPageImage(vol, addr, b.data); err != nil {
			return err
		} else if ok {
			b.ts = pageTimestamp(b.data)
			return nil
		}
	}
	if err := vol.readPage(addr, b.data); err != nil {
		return err
	}
	if got := pageAddrOf(b.data); got != addr {
		return corruptPage(vol.name, addr, "header address %d does not match", got)
	}
	b.ts = pageTimestamp(b.data)
	return nil
}

// release drops one claim and one pin.
func (p *BufferPool) release(b *Buffer, owner any) {
	b.release(owner)
	p.mu.Lock()
	p.unpinLocked(b)
	p.mu.Unlock()
}

func (p *BufferPool) unpin(b *Buffer) {
	p.mu.Lock()
	p.unpinLocked(b)
	p.mu.Unlock()
}

func (p *BufferPool) unpinLocked(b *Buffer) {
	if b.pinned > 0 {
		b.pinned--
	}
}

// forget removes a frame that failed to load. Caller holds no claims.
func (p *BufferPool) forget(b *Buffer) {
	p.mu.Lock()
	delete(p.index, poolKey{volID: b.vol.id, addr: b.addr})
	b.pinned = 0
	b.valid = false
	b.vol = nil
	p.mu.Unlock()
}

// reclaimFrame finds a reusable frame with the clock sweep. Called with
// p.mu held; may drop and retake it while flushing a dirty victim.
func (p *BufferPool) reclaimFrame() (*Buffer, error) {
	for pass := 0; pass < 2*len(p.frames); pass++ {
		b := p.frames[p.hand]
		p.hand = (p.hand + 1) % len(p.frames)
		if b.pinned > 0 {
			continue
		}
		if b.clockRef {
			b.clockRef = false
			continue
		}
		if b.claimed() {
			continue
		}
		if b.dirty {
			// Flush through the journal before the frame is reused; a
			// dirty page image must be in the log before eviction.
			b.pinned++
			p.mu.Unlock()
			err := p.flushBuffer(b)
			p.mu.Lock()
			b.pinned--
			if err != nil {
				return nil, err
			}
			if b.dirty || b.pinned > 0 || b.claimed() {
				continue
			}
		}
		if b.vol != nil {
			delete(p.index, poolKey{volID: b.vol.id, addr: b.addr})
			p.db.metrics.poolEvictions.Inc()
		}
		b.vol = nil
		b.valid = false
		return b, nil
	}
	return nil, ErrBufferPoolExhausted
}

// flushBuffer writes a dirty frame's page image out: temporary volumes
// are written in place, every other page goes to the journal.
func (p *BufferPool) flushBuffer(b *Buffer) error {
	if err := b.claim(p, false, DefaultClaimTimeout); err != nil {
		return err
	}
	defer b.release(p)
	if !b.dirty {
		return nil
	}
	setPageCRC(b.data)
	var err error
	if b.vol.temporary {
		err = b.vol.writePage(b.addr, b.data)
	} else {
		err = p.db.journal.WritePageImage(b.vol, b.addr, b.data, b.ts)
	}
	if err != nil {
		return err
	}
	b.dirty = false
	return nil
}

// flushAll writes every dirty frame out (checkpoint path). When vol is
// non-nil only that volume's frames are flushed.
func (p *BufferPool) flushAll(vol *Volume) error {
	p.mu.Lock()
	var dirty []*Buffer
	for _, b := range p.frames {
		if b.vol != nil && b.dirty && (vol == nil || b.vol == vol) {
			b.pinned++
			dirty = append(dirty, b)
		}
	}
	p.mu.Unlock()

	var firstErr error
	for _, b := range dirty {
		if err := p.flushBuffer(b); err != nil && firstErr == nil {
			firstErr = err
		}
		p.unpin(b)
	}
	return firstErr
}

// invalidate evicts every frame of a closing volume. Dirty frames are
// flushed first. Fails with ErrInUse if a frame stays claimed or pinned
// past the timeout.
func (p *BufferPool) invalidate(vol *Volume, timeout time.Duration) error {
	if err := p.flushAll(vol); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		busy := false
		for _, b := range p.frames {
			if b.vol != vol {
				continue
			}
			if b.pinned > 0 || b.claimed() {
				busy = true
				continue
			}
			delete(p.index, poolKey{volID: vol.id, addr: b.addr})
			b.vol = nil
			b.valid = false
			b.dirty = false
		}
		p.mu.Unlock()
		if !busy {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: volume %s has pinned buffers", ErrInUse, vol.name)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// getBufferCopy clones a page's bytes without retaining a frame.
func (p *BufferPool) getBufferCopy(vol *Volume, addr uint64, owner any) ([]byte, error) {
	b, err := p.get(vol, addr, owner, false, true, DefaultClaimTimeout)
	if err != nil {
		return nil, err
	}
	out := make([]byte, p.pageSize)
	copy(out, b.data)
	p.release(b, owner)
	return out, nil
}
