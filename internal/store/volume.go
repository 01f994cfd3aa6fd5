package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Volume head-page layout (page 0). The common page header occupies the
// first PageHeaderSize bytes; the fields below follow it.
const (
	volMagic = "PKVVOL\x00\x00"

	volMagicOff      = PageHeaderSize      // 8 bytes
	volVersionOff    = volMagicOff + 8     // uint32
	volPageSizeOff   = volVersionOff + 4   // uint32
	volIDOff         = volPageSizeOff + 4  // uint64
	volUUIDOff       = volIDOff + 8        // 16 bytes
	volCreateTimeOff = volUUIDOff + 16     // int64, unix nanos
	volOpenTimeOff   = volCreateTimeOff + 8
	volDirRootOff    = volOpenTimeOff + 8  // uint64
	volGarbageOff    = volDirRootOff + 8   // uint64
	volNextAvailOff  = volGarbageOff + 8   // uint64
	volHeadEnd       = volNextAvailOff + 8

	volFormatVersion uint32 = 1
)

// VolumeSpec describes one volume from configuration.
type VolumeSpec struct {
	Name           string `yaml:"name"`
	Path           string `yaml:"path"`
	PageSize       int    `yaml:"pageSize"`
	InitialPages   uint64 `yaml:"initialPages"`
	MaximumPages   uint64 `yaml:"maximumPages"`
	ExtensionPages uint64 `yaml:"extensionPages"`
	Create         bool   `yaml:"create"`
	CreateOnly     bool   `yaml:"createOnly"`
	ReadOnly       bool   `yaml:"readOnly"`
	Temporary      bool   `yaml:"temporary"`
}

func (s *VolumeSpec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrUnderSpecifiedVolume)
	}
	if s.Path == "" && !s.Temporary {
		return fmt.Errorf("%w: volume %s has no path", ErrUnderSpecifiedVolume, s.Name)
	}
	if s.PageSize != 0 && !ValidPageSize(s.PageSize) {
		return fmt.Errorf("%w: volume %s page size %d (valid: 1024, 2048, 4096, 8192, 16384)",
			ErrInvalidVolumeSpecification, s.Name, s.PageSize)
	}
	return nil
}

// VolumeStats counts per-volume page traffic.
type VolumeStats struct {
	Reads       uint64
	Writes      uint64
	Allocations uint64
	Deallocated uint64
}

// Volume is one storage file: a head page, a directory tree mapping tree
// names to root descriptors, and data pages. Temporary volumes live in
// scratch files and are never journalled.
type Volume struct {
	db        *DB
	name      string
	path      string
	id        uint64
	uuid      uuid.UUID
	pageSize  int
	temporary bool
	readOnly  bool
	handle    int32 // journal volume handle; 0 for temporary volumes

	file *os.File

	mu          sync.Mutex
	createTime  int64
	openTime    int64
	dirRoot     uint64
	garbageRoot uint64
	nextAvail   uint64
	filePages   uint64
	maxPages    uint64
	extendPages uint64

	// allocMu serialises page allocation end to end; the garbage-chain
	// pop reads a page between two v.mu sections.
	allocMu sync.Mutex

	treeMu sync.RWMutex
	trees  map[string]*Tree

	stats  VolumeStats
	closed bool
}

// volumeIDFromUUID folds a creation UUID into the 64-bit volume id used
// throughout the page and journal formats. Zero is reserved.
func volumeIDFromUUID(u uuid.UUID) uint64 {
	hi := binary.BigEndian.Uint64(u[0:8])
	lo := binary.BigEndian.Uint64(u[8:16])
	id := hi ^ lo
	if id == 0 {
		id = 1
	}
	return id
}

// openVolume opens or creates a volume per its spec.
func openVolume(db *DB, spec VolumeSpec) (*Volume, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	ps := spec.PageSize
	if ps == 0 {
		ps = DefaultPageSize
	}
	if db.poolFor(ps) == nil {
		return nil, fmt.Errorf("%w: volume %s needs %d-byte buffers", ErrBufferSizeUnavailable, spec.Name, ps)
	}

	v := &Volume{
		db:          db,
		name:        spec.Name,
		pageSize:    ps,
		temporary:   spec.Temporary,
		readOnly:    spec.ReadOnly,
		trees:       map[string]*Tree{},
		maxPages:    spec.MaximumPages,
		extendPages: spec.ExtensionPages,
	}
	if v.extendPages == 0 {
		v.extendPages = 16
	}

	if spec.Temporary {
		f, err := os.CreateTemp(db.cfg.DataPath, "pkv_temp_*.v")
		if err != nil {
			return nil, fmt.Errorf("create temporary volume %s: %w", spec.Name, err)
		}
		v.file = f
		v.path = f.Name()
		v.uuid = uuid.New()
		v.id = volumeIDFromUUID(v.uuid)
		v.createTime = time.Now().UnixNano()
		v.openTime = v.createTime
		v.nextAvail = 1
		v.filePages = 1
		if err := v.writeHead(); err != nil {
			f.Close()
			return nil, err
		}
		return v, nil
	}

	v.path = spec.Path
	if !filepath.IsAbs(v.path) {
		v.path = filepath.Join(db.cfg.DataPath, v.path)
	}

	_, statErr := os.Stat(v.path)
	exists := statErr == nil
	if exists && spec.CreateOnly {
		return nil, fmt.Errorf("%w: volume %s already exists at %s", ErrInvalidVolumeSpecification, spec.Name, v.path)
	}
	if !exists && !spec.Create && !spec.CreateOnly {
		return nil, fmt.Errorf("%w: volume %s missing at %s and create not requested",
			ErrInvalidVolumeSpecification, spec.Name, v.path)
	}

	flags := os.O_RDWR | os.O_CREATE
	if spec.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(v.path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open volume %s: %w", spec.Name, err)
	}
	v.file = f

	if exists {
		if err := v.readHead(); err != nil {
			f.Close()
			return nil, err
		}
		// The creation timestamp survives close/reopen; only the open
		// time moves.
		v.openTime = time.Now().UnixNano()
		if !spec.ReadOnly {
			if err := v.writeHead(); err != nil {
				f.Close()
				return nil, err
			}
		}
	} else {
		v.uuid = uuid.New()
		v.id = volumeIDFromUUID(v.uuid)
		v.createTime = time.Now().UnixNano()
		v.openTime = v.createTime
		v.nextAvail = 1
		initial := spec.InitialPages
		if initial == 0 {
			initial = 8
		}
		if err := f.Truncate(int64(initial) * int64(ps)); err != nil {
			f.Close()
			return nil, fmt.Errorf("size volume %s: %w", spec.Name, err)
		}
		v.filePages = initial
		if err := v.writeHead(); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return v, nil
}

func (v *Volume) readHead() error {
	buf := make([]byte, v.pageSize)
	if _, err := v.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: volume %s: read head page: %v", ErrCorruptVolume, v.name, err)
	}
	if string(buf[volMagicOff:volMagicOff+8]) != volMagic {
		return fmt.Errorf("%w: volume %s: bad magic", ErrCorruptVolume, v.name)
	}
	if err := verifyPageCRC(buf); err != nil {
		return fmt.Errorf("%w: volume %s head page: %v", ErrCorruptVolume, v.name, err)
	}
	if ver := binary.LittleEndian.Uint32(buf[volVersionOff:]); ver != volFormatVersion {
		return fmt.Errorf("%w: volume %s: unsupported format version %d", ErrCorruptVolume, v.name, ver)
	}
	ps := int(binary.LittleEndian.Uint32(buf[volPageSizeOff:]))
	if ps != v.pageSize {
		if !ValidPageSize(ps) {
			return fmt.Errorf("%w: volume %s: page size %d", ErrCorruptVolume, v.name, ps)
		}
		if v.db.poolFor(ps) == nil {
			return fmt.Errorf("%w: volume %s needs %d-byte buffers", ErrBufferSizeUnavailable, v.name, ps)
		}
		v.pageSize = ps
	}
	v.id = binary.LittleEndian.Uint64(buf[volIDOff:])
	copy(v.uuid[:], buf[volUUIDOff:volUUIDOff+16])
	v.createTime = int64(binary.LittleEndian.Uint64(buf[volCreateTimeOff:]))
	v.openTime = int64(binary.LittleEndian.Uint64(buf[volOpenTimeOff:]))
	v.dirRoot = binary.LittleEndian.Uint64(buf[volDirRootOff:])
	v.garbageRoot = binary.LittleEndian.Uint64(buf[volGarbageOff:])
	v.nextAvail = binary.LittleEndian.Uint64(buf[volNextAvailOff:])
	if st, err := v.file.Stat(); err == nil {
		v.filePages = uint64(st.Size()) / uint64(v.pageSize)
	}
	return nil
}

// writeHead persists the head page directly; the head page has its own
// claim discipline and does not pass through the buffer pool.
func (v *Volume) writeHead() error {
	if v.readOnly {
		return nil
	}
	buf := make([]byte, v.pageSize)
	initPage(buf, PageTypeHead, 0)
	copy(buf[volMagicOff:], volMagic)
	binary.LittleEndian.PutUint32(buf[volVersionOff:], volFormatVersion)
	binary.LittleEndian.PutUint32(buf[volPageSizeOff:], uint32(v.pageSize))
	binary.LittleEndian.PutUint64(buf[volIDOff:], v.id)
	copy(buf[volUUIDOff:], v.uuid[:])
	binary.LittleEndian.PutUint64(buf[volCreateTimeOff:], uint64(v.createTime))
	binary.LittleEndian.PutUint64(buf[volOpenTimeOff:], uint64(v.openTime))
	binary.LittleEndian.PutUint64(buf[volDirRootOff:], v.dirRoot)
	binary.LittleEndian.PutUint64(buf[volGarbageOff:], v.garbageRoot)
	binary.LittleEndian.PutUint64(buf[volNextAvailOff:], v.nextAvail)
	setPageCRC(buf)
	if _, err := v.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write head page of %s: %w", v.name, err)
	}
	return nil
}

// readPage reads and checksums one page.
func (v *Volume) readPage(addr uint64, buf []byte) error {
	if _, err := v.file.ReadAt(buf, int64(addr)*int64(v.pageSize)); err != nil {
		return fmt.Errorf("read page %d of %s: %w", addr, v.name, err)
	}
	v.stats.Reads++
	if pageTimestamp(buf) == 0 && pageType(buf) == 0 {
		// Freshly extended, never-written page: hand it back as an
		// empty data page.
		initPage(buf, PageTypeData, addr)
		return nil
	}
	if err := verifyPageCRC(buf); err != nil {
		return corruptPage(v.name, addr, "%v", err)
	}
	return nil
}

// writePage writes one page image at its home position.
func (v *Volume) writePage(addr uint64, buf []byte) error {
	if _, err := v.file.WriteAt(buf, int64(addr)*int64(v.pageSize)); err != nil {
		return fmt.Errorf("write page %d of %s: %w", addr, v.name, err)
	}
	v.stats.Writes++
	return nil
}

// allocPage hands out a page address: the garbage chain first, then the
// unallocated tail, extending the file when needed.
func (v *Volume) allocPage(owner any) (uint64, error) {
	v.allocMu.Lock()
	defer v.allocMu.Unlock()
	v.mu.Lock()
	if v.garbageRoot != InvalidPageAddr {
		addr := v.garbageRoot
		v.mu.Unlock()
		// Pop the chain head; its right sibling becomes the new root.
		b, err := v.db.poolFor(v.pageSize).get(v, addr, owner, true, true, DefaultClaimTimeout)
		if err != nil {
			return 0, err
		}
		next := pageRightSibling(b.data)
		v.db.poolFor(v.pageSize).release(b, owner)
		v.mu.Lock()
		v.garbageRoot = next
		v.stats.Allocations++
		v.mu.Unlock()
		return addr, nil
	}
	addr := v.nextAvail
	v.nextAvail++
	v.stats.Allocations++
	if v.nextAvail > v.filePages {
		if v.maxPages > 0 && v.nextAvail > v.maxPages {
			v.nextAvail--
			v.mu.Unlock()
			return 0, fmt.Errorf("%w: volume %s at %d pages", ErrVolumeFull, v.name, v.maxPages)
		}
		grow := v.filePages + v.extendPages
		if v.maxPages > 0 && grow > v.maxPages {
			grow = v.maxPages
		}
		if err := v.file.Truncate(int64(grow) * int64(v.pageSize)); err != nil {
			v.nextAvail--
			v.mu.Unlock()
			return 0, fmt.Errorf("extend volume %s: %w", v.name, err)
		}
		v.filePages = grow
	}
	v.mu.Unlock()
	return addr, nil
}

// deallocPage pushes one page onto the garbage chain. The relation
// "the page's right sibling already equals the garbage root" is a
// legitimate state when deallocating chains and is preserved as-is.
func (v *Volume) deallocPage(owner any, addr uint64) error {
	pool := v.db.poolFor(v.pageSize)
	b, err := pool.get(v, addr, owner, true, false, DefaultClaimTimeout)
	if err != nil {
		return err
	}
	v.allocMu.Lock()
	v.mu.Lock()
	root := v.garbageRoot
	v.garbageRoot = addr
	v.stats.Deallocated++
	v.mu.Unlock()
	v.allocMu.Unlock()
	initPage(b.data, PageTypeGarbage, addr)
	setPageRightSibling(b.data, root)
	b.touch(v.db.alloc.Next())
	pool.release(b, owner)
	return nil
}

// sync fsyncs the volume file.
func (v *Volume) sync() error {
	return v.file.Sync()
}

// Name returns the volume name.
func (v *Volume) Name() string { return v.name }

// ID returns the 64-bit volume id fixed at creation.
func (v *Volume) ID() uint64 { return v.id }

// PageSize returns the volume's page size.
func (v *Volume) PageSize() int { return v.pageSize }

// Temporary reports whether the volume is a scratch volume.
func (v *Volume) Temporary() bool { return v.temporary }

// CreateTime returns the creation timestamp (unix nanos).
func (v *Volume) CreateTime() int64 { return v.createTime }

// Stats returns a copy of the volume counters.
func (v *Volume) Stats() VolumeStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}

// close flushes the head page and closes the file. Temporary volumes are
// deleted.
func (v *Volume) close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()
	if err := v.writeHead(); err != nil {
		v.file.Close()
		return err
	}
	if !v.readOnly {
		if err := v.file.Sync(); err != nil {
			v.file.Close()
			return err
		}
	}
	err := v.file.Close()
	if v.temporary {
		os.Remove(v.path)
	}
	return err
}
