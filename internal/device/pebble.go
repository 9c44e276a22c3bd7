package device

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/strata/pkg/id"
)

// FsyncMode defines durability behavior for page writes.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each committed batch.
	FsyncModeAlways
	// FsyncModeInterval enables group-commit by allowing Pebble to coalesce
	// WAL syncs for writes within the configured interval.
	FsyncModeInterval
	// FsyncModeNever avoids forcing WAL syncs from the application.
	FsyncModeNever
)

// PebbleOptions configures the Pebble-backed device.
type PebbleOptions struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// PageSizeBits must match the hybrid log's page size.
	PageSizeBits uint8
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
}

// manifest is persisted under the meta key so reopened devices can verify
// geometry and correlate log lines across restarts.
type manifest struct {
	InstanceID   string `json:"instanceId"`
	PageSizeBits uint8  `json:"pageSizeBits"`
}

var (
	metaKey    = []byte("m")
	pagePrefix = []byte("p/")
)

func pageKey(page int64) []byte {
	k := make([]byte, 0, len(pagePrefix)+8)
	k = append(k, pagePrefix...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(page))
	return append(k, b[:]...)
}

// Pebble stores flushed log pages as KV entries keyed by page number.
type Pebble struct {
	inner     *pebble.DB
	pageBits  uint8
	pageSize  int64
	writeSync bool
	instance  id.ID

	mu     sync.Mutex // serializes read-modify-write of partial pages
	closed bool
}

// OpenPebble creates or opens a Pebble-backed device.
func OpenPebble(opts PebbleOptions) (*Pebble, error) {
	if opts.DataDir == "" {
		return nil, errors.New("device: PebbleOptions.DataDir is required")
	}
	po := &pebble.Options{}
	switch opts.Fsync {
	case FsyncModeAlways:
		// Sync set per commit; no group-commit interval.
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		interval := opts.FsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncModeNever:
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}
	d := &Pebble{
		inner:     inner,
		pageBits:  opts.PageSizeBits,
		pageSize:  1 << opts.PageSizeBits,
		writeSync: opts.Fsync == FsyncModeAlways,
	}
	if err := d.loadOrInitManifest(); err != nil {
		_ = inner.Close()
		return nil, err
	}
	return d, nil
}

func (d *Pebble) loadOrInitManifest() error {
	val, closer, err := d.inner.Get(metaKey)
	if err == nil {
		defer closer.Close()
		var m manifest
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		if m.PageSizeBits != d.pageBits {
			return errors.New("device: page size mismatch with existing data")
		}
		if parsed, ok := id.Parse(m.InstanceID); ok {
			d.instance = parsed
		}
		return nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	d.instance = id.NewGenerator().Next()
	b, err := json.Marshal(manifest{InstanceID: d.instance.String(), PageSizeBits: d.pageBits})
	if err != nil {
		return err
	}
	return d.inner.Set(metaKey, b, d.writeOpts())
}

// InstanceID identifies this device across restarts.
func (d *Pebble) InstanceID() id.ID { return d.instance }

func (d *Pebble) writeOpts() *pebble.WriteOptions {
	if d.writeSync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// WriteAt writes p at logical offset off, splitting across page entries.
// Partial pages are read-modified-written.
func (d *Pebble) WriteAt(p []byte, off int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	b := d.inner.NewBatch()
	defer b.Close()
	for len(p) > 0 {
		page := off >> d.pageBits
		inPage := off & (d.pageSize - 1)
		n := d.pageSize - inPage
		if int64(len(p)) < n {
			n = int64(len(p))
		}

		var buf []byte
		if inPage == 0 && n == d.pageSize {
			buf = p[:n]
		} else {
			buf = make([]byte, d.pageSize)
			if val, closer, err := d.inner.Get(pageKey(page)); err == nil {
				copy(buf, val)
				_ = closer.Close()
			} else if !errors.Is(err, pebble.ErrNotFound) {
				return err
			}
			copy(buf[inPage:], p[:n])
		}
		if err := b.Set(pageKey(page), buf, nil); err != nil {
			return err
		}
		p = p[n:]
		off += n
	}
	return b.Commit(d.writeOpts())
}

// ReadAt fills p from logical offset off.
func (d *Pebble) ReadAt(p []byte, off int64) error {
	if d.isClosed() {
		return ErrClosed
	}
	for len(p) > 0 {
		page := off >> d.pageBits
		inPage := off & (d.pageSize - 1)
		n := d.pageSize - inPage
		if int64(len(p)) < n {
			n = int64(len(p))
		}

		val, closer, err := d.inner.Get(pageKey(page))
		if err != nil {
			if errors.Is(err, pebble.ErrNotFound) {
				return ErrTruncated
			}
			return err
		}
		copy(p[:n], val[inPage:])
		_ = closer.Close()
		p = p[n:]
		off += n
	}
	return nil
}

// Truncate deletes whole pages strictly below the given offset. The page
// containing the offset is retained.
func (d *Pebble) Truncate(below int64) error {
	if d.isClosed() {
		return ErrClosed
	}
	firstKept := below >> d.pageBits
	if firstKept <= 0 {
		return nil
	}
	return d.inner.DeleteRange(pageKey(0), pageKey(firstKept), d.writeOpts())
}

// Sync forces memtable contents to stable storage.
func (d *Pebble) Sync() error {
	if d.isClosed() {
		return ErrClosed
	}
	return d.inner.Flush()
}

// Close closes the Pebble database.
func (d *Pebble) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.inner.Close()
}

func (d *Pebble) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
