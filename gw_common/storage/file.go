package storage

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// File is the append-only file log backend. Event bytes are appended to a
// single growing log file; a bbolt index tracks, per sequence number, the
// byte offset and length within that file, plus the durable cursors needed
// to survive restart: the next sequence to assign, the next sequence to
// deliver, and the oldest sequence still retained.
//
// The cursor bookkeeping is grounded on the teacher's
// ap.watchd/droplog.go tableInit/trimTable pattern (min/max id tracking,
// trim-by-id), adapted from a bounded drop-event ring to a checkout/commit
// uplink queue: minRetained is the trim boundary, nextSeq is one past the
// last assigned sequence, and a third cursor (deliverSeq) marks the
// boundary between committed and not-yet-delivered events.
type File struct {
	mu  sync.Mutex
	db  *bolt.DB
	log *os.File

	batchSize int
	capacity  int

	nextSeq      uint64 // next sequence number to assign on Put
	deliverSeq   uint64 // next sequence number to hand out in a pack
	minRetained  uint64 // oldest sequence still present in the log file
	checkedOutTo uint64 // exclusive upper bound of the current checkout
	checkedOut   bool
}

var (
	bucketIndex   = []byte("index")
	bucketCursors = []byte("cursors")

	keyNextSeq     = []byte("nextSeq")
	keyDeliverSeq  = []byte("deliverSeq")
	keyMinRetained = []byte("minRetained")
)

// NewFile opens (or creates) the append-only log and its bbolt index under
// cfg.Dir.
func NewFile(cfg Config) (*File, error) {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create storage directory")
	}

	logPath := filepath.Join(cfg.Dir, "events.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open event log")
	}

	dbPath := filepath.Join(cfg.Dir, "events.idx")
	db, err := bolt.Open(dbPath, 0644, nil)
	if err != nil {
		logFile.Close()
		return nil, errors.Wrap(err, "failed to open event index")
	}

	f := &File{
		db:        db,
		log:       logFile,
		batchSize: batchSize,
		capacity:  cfg.Capacity,
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketIndex); err != nil {
			return err
		}
		cursors, err := tx.CreateBucketIfNotExists(bucketCursors)
		if err != nil {
			return err
		}
		f.nextSeq = getUint64(cursors, keyNextSeq)
		f.deliverSeq = getUint64(cursors, keyDeliverSeq)
		f.minRetained = getUint64(cursors, keyMinRetained)
		return nil
	}); err != nil {
		db.Close()
		logFile.Close()
		return nil, errors.Wrap(err, "failed to initialize event index")
	}

	return f, nil
}

func getUint64(b *bolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putUint64(b *bolt.Bucket, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return b.Put(key, buf)
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

type record struct {
	offset int64
	length int64
}

func encodeRecord(r record) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.offset))
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.length))
	return buf
}

func decodeRecord(b []byte) record {
	return record{
		offset: int64(binary.BigEndian.Uint64(b[0:8])),
		length: int64(binary.BigEndian.Uint64(b[8:16])),
	}
}

// Put appends event bytes to the log file and indexes the new sequence
// number. Capacity is measured in outstanding (undelivered + delivered but
// uncommitted) event count.
func (f *File) Put(_ context.Context, event []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.capacity > 0 && f.nextSeq-f.minRetained >= uint64(f.capacity) {
		return false, nil
	}

	info, err := f.log.Stat()
	if err != nil {
		return false, errors.Wrap(err, "failed to stat event log")
	}
	offset := info.Size()

	if _, err := f.log.Write(event); err != nil {
		return false, errors.Wrap(err, "failed to append event")
	}
	if err := f.log.Sync(); err != nil {
		return false, errors.Wrap(err, "failed to sync event log")
	}

	seq := f.nextSeq
	err = f.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIndex)
		if err := idx.Put(seqKey(seq), encodeRecord(record{offset: offset, length: int64(len(event))})); err != nil {
			return err
		}
		cursors := tx.Bucket(bucketCursors)
		return putUint64(cursors, keyNextSeq, seq+1)
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to index event")
	}

	f.nextSeq = seq + 1
	return true, nil
}

// GetEventPack returns the next un-checked-out batch. Checkout is
// idempotent: a repeated call while checkedOut is true returns the same
// range without advancing deliverSeq.
func (f *File) GetEventPack(_ context.Context) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	upper := f.checkedOutTo
	if !f.checkedOut {
		upper = f.deliverSeq + uint64(f.batchSize)
		if upper > f.nextSeq {
			upper = f.nextSeq
		}
	}

	if upper <= f.deliverSeq {
		return nil, nil
	}

	var out [][]byte
	err := f.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIndex)
		for seq := f.deliverSeq; seq < upper; seq++ {
			raw := idx.Get(seqKey(seq))
			if raw == nil {
				continue
			}
			rec := decodeRecord(raw)
			buf := make([]byte, rec.length)
			if _, err := f.log.ReadAt(buf, rec.offset); err != nil {
				return errors.Wrapf(err, "failed to read event %d", seq)
			}
			out = append(out, buf)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.checkedOut = true
	f.checkedOutTo = upper
	return out, nil
}

// EventPackProcessingDone commits the current checkout: deliverSeq and
// minRetained both advance to the checkout boundary, and the index entries
// for the retired range are removed.
func (f *File) EventPackProcessingDone(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.checkedOut {
		return nil
	}

	from, to := f.deliverSeq, f.checkedOutTo
	err := f.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIndex)
		for seq := from; seq < to; seq++ {
			if err := idx.Delete(seqKey(seq)); err != nil {
				return err
			}
		}
		cursors := tx.Bucket(bucketCursors)
		if err := putUint64(cursors, keyDeliverSeq, to); err != nil {
			return err
		}
		return putUint64(cursors, keyMinRetained, to)
	})
	if err != nil {
		return errors.Wrap(err, "failed to commit event pack")
	}

	f.deliverSeq = to
	f.minRetained = to
	f.checkedOut = false
	f.checkedOutTo = 0
	return nil
}

func (f *File) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	dbErr := f.db.Close()
	logErr := f.log.Close()
	if dbErr != nil {
		return errors.Wrap(dbErr, "failed to close event index")
	}
	if logErr != nil {
		return errors.Wrap(logErr, "failed to close event log")
	}
	return nil
}
