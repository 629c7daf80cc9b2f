// Package walfile implements wal.WriteAheadLog as a single append-only
// file: a magic-bytes-and-version header followed by a stream of
// length-prefixed, CRC32-checksummed entries. Unlike the reference file
// format this is grounded on, every entry carries a checksum so recovery
// can detect a torn write at the tail (a partial entry from a crash mid
// append) and treat it as the end of the valid log rather than corruption.
package walfile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corelattice/raftcore"
	"github.com/corelattice/raftcore/config"
	"github.com/corelattice/raftcore/wal"
)

var fileMagic = [4]byte{'R', 'W', 'A', 'L'}

const fileVersion uint32 = 1

func init() {
	gob.Register(wal.WalOperation{})
}

// record is the on-disk, gob-encoded representation of a wal.WalEntry.
type record struct {
	Id            uuid.UUID
	TransactionId uuid.UUID
	Sequence      uint64
	TimestampUnix int64
	Operation     wal.WalOperation
	State         wal.WalEntryState
}

func toRecord(e wal.WalEntry) record {
	return record{
		Id:            e.Id,
		TransactionId: e.TransactionId,
		Sequence:      e.Sequence,
		TimestampUnix: e.Timestamp.UnixNano(),
		Operation:     e.Operation,
		State:         e.State,
	}
}

func (r record) toEntry() wal.WalEntry {
	return wal.WalEntry{
		Id:            r.Id,
		TransactionId: r.TransactionId,
		Sequence:      r.Sequence,
		Timestamp:     time.Unix(0, r.TimestampUnix),
		Operation:     r.Operation,
		State:         r.State,
	}
}

type txState int

const (
	txActive txState = iota
	txCommitted
	txRolledBack
)

type transaction struct {
	state txState
	ops   []wal.WalOperation
}

// Store is a file-backed wal.WriteAheadLog. All entries are additionally
// cached in memory so reads need not re-scan the file; the file exists
// purely for durability and crash recovery.
type Store struct {
	mu           sync.Mutex
	path         string
	f            *os.File
	w            *bufio.Writer
	entries      []wal.WalEntry
	transactions map[wal.TxId]*transaction
	headers      map[wal.EventId]wal.EventHeader
	payloads     map[wal.Digest][]byte
	nextSeq      uint64
	now          func() time.Time

	// Metrics, if set, observes write/commit/rollback/recovery activity.
	Metrics *wal.Metrics

	// SyncMode controls how aggressively appendEntry flushes to durable
	// storage. Defaults to config.SyncFull (fsync every entry).
	SyncMode config.SyncMode

	// SnapshotRetention is the number of most recent snapshot files kept by
	// cleanupSnapshots; older ones are removed. Defaults to 1, matching the
	// original's cleanup_snapshots behavior. Zero disables cleanup.
	SnapshotRetention uint32
}

// SetMetrics attaches a Metrics collector. Not safe to call concurrently
// with other Store methods.
func (s *Store) SetMetrics(m *wal.Metrics) { s.Metrics = m }

// SetSyncMode overrides the default fsync-every-entry durability policy.
// Not safe to call concurrently with other Store methods.
func (s *Store) SetSyncMode(m config.SyncMode) { s.SyncMode = m }

// SetSnapshotRetention overrides the default snapshot retention count. Not
// safe to call concurrently with other Store methods.
func (s *Store) SetSnapshotRetention(n uint32) { s.SnapshotRetention = n }

var _ wal.WriteAheadLog = (*Store)(nil)

// Open opens (creating if absent) the WAL file at path, replaying any
// existing entries into memory, but does NOT run recovery logic on
// in-flight transactions — call Recover explicitly once, on startup,
// before serving traffic.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wal.WrapStorageError("mkdir wal dir", err)
	}

	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wal.WrapStorageError("open wal file", err)
	}

	s := &Store{
		path:              path,
		f:                 f,
		transactions:      make(map[wal.TxId]*transaction),
		headers:           make(map[wal.EventId]wal.EventHeader),
		payloads:          make(map[wal.Digest][]byte),
		now:               time.Now,
		SyncMode:          config.SyncFull,
		SnapshotRetention: 1,
	}

	if existed {
		if err := s.loadExisting(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := writeFileHeader(f); err != nil {
			f.Close()
			return nil, err
		}
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, wal.WrapStorageError("seek to end of wal file", err)
	}
	s.w = bufio.NewWriter(f)
	return s, nil
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return wal.WrapStorageError("flush wal file", err)
	}
	return s.f.Close()
}

func writeFileHeader(f *os.File) error {
	if _, err := f.Write(fileMagic[:]); err != nil {
		return wal.WrapStorageError("write wal magic", err)
	}
	var versionBuf [4]byte
	binary.BigEndian.PutUint32(versionBuf[:], fileVersion)
	if _, err := f.Write(versionBuf[:]); err != nil {
		return wal.WrapStorageError("write wal version", err)
	}
	return nil
}

// loadExisting reads the header and replays every well-formed entry into
// the in-memory cache, reconstructing transaction state as it goes. A
// truncated trailing entry (a torn write from a crash mid-append) ends
// replay at that point rather than returning an error.
func (s *Store) loadExisting() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return wal.WrapStorageError("seek to start of wal file", err)
	}
	r := bufio.NewReader(s.f)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return &raftcore.CorruptionError{Detail: "wal file missing magic header"}
	}
	if magic != fileMagic {
		return &raftcore.CorruptionError{Detail: "wal file has invalid magic bytes"}
	}
	var versionBuf [4]byte
	if _, err := io.ReadFull(r, versionBuf[:]); err != nil {
		return &raftcore.CorruptionError{Detail: "wal file missing version"}
	}
	if binary.BigEndian.Uint32(versionBuf[:]) != fileVersion {
		return &raftcore.CorruptionError{Detail: "wal file has unsupported version"}
	}

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			break // clean EOF or a torn length prefix: stop replaying.
		}
		length := binary.BigEndian.Uint32(lenBuf[:])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break // torn payload write: stop replaying, discard the partial tail.
		}

		var checksumBuf [4]byte
		if _, err := io.ReadFull(r, checksumBuf[:]); err != nil {
			break
		}
		wantChecksum := binary.BigEndian.Uint32(checksumBuf[:])
		if crc32.ChecksumIEEE(payload) != wantChecksum {
			break // checksum mismatch at the tail: treat as a torn write, not fatal corruption.
		}

		var rec record
		dec := gobDecoder(payload)
		if err := dec.Decode(&rec); err != nil {
			break
		}
		s.applyLoadedRecord(rec)
	}

	return nil
}

func (s *Store) applyLoadedRecord(rec record) {
	entry := rec.toEntry()
	s.entries = append(s.entries, entry)
	if entry.Sequence > s.nextSeq {
		s.nextSeq = entry.Sequence
	}

	t, ok := s.transactions[entry.TransactionId]
	if !ok {
		t = &transaction{state: txActive}
		s.transactions[entry.TransactionId] = t
	}
	switch entry.Operation.Kind {
	case wal.OpCommitEvent:
		t.ops = append(t.ops, entry.Operation)
	case wal.OpCommitTx:
		t.state = txCommitted
	case wal.OpRollbackTx:
		t.state = txRolledBack
	case wal.OpCheckpoint:
		for i := range s.entries {
			if s.entries[i].Sequence <= entry.Operation.CheckpointSeq && s.entries[i].State == wal.StateCommitted {
				s.entries[i].State = wal.StateCheckpointed
			}
		}
	}
}

func (s *Store) nextSequence() uint64 {
	s.nextSeq++
	return s.nextSeq
}

func (s *Store) appendEntry(tx wal.TxId, op wal.WalOperation, state wal.WalEntryState) (wal.WalEntry, error) {
	entry := wal.WalEntry{
		Id:            uuid.New(),
		TransactionId: tx,
		Sequence:      s.nextSequence(),
		Timestamp:     s.now(),
		Operation:     op,
		State:         state,
	}

	payload, err := gobEncode(toRecord(entry))
	if err != nil {
		return wal.WalEntry{}, wal.WrapStorageError("encode wal entry", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	var checksumBuf [4]byte
	binary.BigEndian.PutUint32(checksumBuf[:], crc32.ChecksumIEEE(payload))

	if _, err := s.w.Write(lenBuf[:]); err != nil {
		return wal.WalEntry{}, wal.WrapStorageError("write wal entry length", err)
	}
	if _, err := s.w.Write(payload); err != nil {
		return wal.WalEntry{}, wal.WrapStorageError("write wal entry payload", err)
	}
	if _, err := s.w.Write(checksumBuf[:]); err != nil {
		return wal.WalEntry{}, wal.WrapStorageError("write wal entry checksum", err)
	}
	if err := s.w.Flush(); err != nil {
		return wal.WalEntry{}, wal.WrapStorageError("flush wal entry", err)
	}
	// SyncNone leaves the flushed bytes in the OS page cache, trusting the
	// kernel to write them back eventually; SyncDataOnly and SyncFull both
	// fsync, since os.File.Sync doesn't expose Linux's fdatasync distinction
	// between data and inode metadata.
	if s.SyncMode != config.SyncNone {
		if err := s.f.Sync(); err != nil {
			return wal.WalEntry{}, wal.WrapStorageError("fsync wal file", err)
		}
	}

	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *Store) markTransaction(tx wal.TxId, state wal.WalEntryState) {
	for i := range s.entries {
		if s.entries[i].TransactionId == tx {
			s.entries[i].State = state
		}
	}
}

func (s *Store) applyCommitEvent(header wal.EventHeader, payload []byte) {
	if _, exists := s.payloads[header.Digest]; !exists {
		s.payloads[header.Digest] = payload
	}
	s.headers[header.Id] = header
}

// BeginTx opens a new transaction and durably logs a BeginTx entry.
func (s *Store) BeginTx(ctx context.Context) (wal.TxId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txId := uuid.New()
	if _, err := s.appendEntry(txId, wal.WalOperation{Kind: wal.OpBeginTx, TransactionId: txId}, wal.StatePending); err != nil {
		return wal.TxId{}, err
	}
	s.transactions[txId] = &transaction{state: txActive}
	return txId, nil
}

// WriteEntry durably appends op to the named active transaction.
func (s *Store) WriteEntry(ctx context.Context, tx wal.TxId, op wal.WalOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[tx]
	if !ok || t.state != txActive {
		return &raftcore.InvalidStateError{Detail: "write to unknown or inactive transaction"}
	}
	if _, err := s.appendEntry(tx, op, wal.StatePending); err != nil {
		return err
	}
	t.ops = append(t.ops, op)
	if s.Metrics != nil {
		s.Metrics.ObserveWrite()
	}
	return nil
}

// CommitTx applies every CommitEvent op the transaction logged, durably
// marks all of its entries Committed, and logs a terminal CommitTx entry.
func (s *Store) CommitTx(ctx context.Context, tx wal.TxId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[tx]
	if !ok || t.state != txActive {
		return &raftcore.InvalidStateError{Detail: "commit of unknown or inactive transaction"}
	}

	for _, op := range t.ops {
		if op.Kind == wal.OpCommitEvent {
			s.applyCommitEvent(op.Header, op.Payload)
		}
	}
	if _, err := s.appendEntry(tx, wal.WalOperation{Kind: wal.OpCommitTx, TransactionId: tx}, wal.StateCommitted); err != nil {
		return err
	}
	s.markTransaction(tx, wal.StateCommitted)
	t.state = txCommitted
	if s.Metrics != nil {
		s.Metrics.ObserveCommit()
	}
	return nil
}

// RollbackTx discards the transaction: no CommitEvent op is applied, and a
// terminal RollbackTx entry is durably logged.
func (s *Store) RollbackTx(ctx context.Context, tx wal.TxId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[tx]
	if !ok || t.state != txActive {
		return &raftcore.InvalidStateError{Detail: "rollback of unknown or inactive transaction"}
	}

	if _, err := s.appendEntry(tx, wal.WalOperation{Kind: wal.OpRollbackTx, TransactionId: tx}, wal.StateRolledBack); err != nil {
		return err
	}
	s.markTransaction(tx, wal.StateRolledBack)
	t.state = txRolledBack
	if s.Metrics != nil {
		s.Metrics.ObserveRollback()
	}
	return nil
}

// Commit durably appends header/payload with no enclosing transaction: a
// single CommitEvent entry, logged already-Committed. Used by the recovery
// apply step and by callers that don't need a BeginTx/CommitTx pair around
// a single event.
func (s *Store) Commit(ctx context.Context, header wal.EventHeader, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.appendEntry(uuid.Nil, wal.WalOperation{Kind: wal.OpCommitEvent, Header: header, Payload: payload}, wal.StateCommitted); err != nil {
		return err
	}
	s.applyCommitEvent(header, payload)
	if s.Metrics != nil {
		s.Metrics.ObserveCommit()
	}
	return nil
}

// Header returns the most recently committed header for id.
func (s *Store) Header(ctx context.Context, id wal.EventId) (wal.EventHeader, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Metrics != nil {
		s.Metrics.ObserveRead()
	}
	h, ok := s.headers[id]
	return h, ok, nil
}

// PayloadBytes returns the payload stored under digest.
func (s *Store) PayloadBytes(ctx context.Context, digest wal.Digest) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Metrics != nil {
		s.Metrics.ObserveRead()
	}
	p, ok := s.payloads[digest]
	return p, ok, nil
}

// Recover replays every transaction in sequence order: one with a
// Committed CommitTx entry is applied; every other transaction is rolled
// back and durably marked so a second Recover call is a no-op.
func (s *Store) Recover(ctx context.Context) (wal.RecoveryReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := wal.RecoveryReport{EntriesRecovered: len(s.entries)}

	byTx := make(map[wal.TxId][]wal.WalEntry)
	order := make([]wal.TxId, 0)
	for _, e := range s.entries {
		if _, seen := byTx[e.TransactionId]; !seen {
			order = append(order, e.TransactionId)
		}
		byTx[e.TransactionId] = append(byTx[e.TransactionId], e)
	}
	sort.Slice(order, func(i, j int) bool {
		return byTx[order[i]][0].Sequence < byTx[order[j]][0].Sequence
	})

	for _, txId := range order {
		group := byTx[txId]
		hasCommit := false
		for _, e := range group {
			if e.Operation.Kind == wal.OpCommitTx && e.State == wal.StateCommitted {
				hasCommit = true
				break
			}
		}

		if hasCommit {
			for _, e := range group {
				if e.State == wal.StateCommitted && e.Operation.Kind == wal.OpCommitEvent {
					s.applyCommitEvent(e.Operation.Header, e.Operation.Payload)
				}
			}
			report.TransactionsCommitted++
			if t, ok := s.transactions[txId]; ok {
				t.state = txCommitted
			}
			continue
		}

		t, ok := s.transactions[txId]
		alreadyRolledBack := ok && t.state == txRolledBack
		if !alreadyRolledBack {
			if _, err := s.appendEntry(txId, wal.WalOperation{Kind: wal.OpRollbackTx, TransactionId: txId}, wal.StateRolledBack); err != nil {
				return report, err
			}
			s.markTransaction(txId, wal.StateRolledBack)
			if ok {
				t.state = txRolledBack
			} else {
				s.transactions[txId] = &transaction{state: txRolledBack}
			}
			report.TransactionsRolledBack++
		}
	}

	if s.Metrics != nil {
		s.Metrics.ObserveRecovery(report)
	}
	return report, nil
}

// Checkpoint durably marks every Committed entry with sequence <= seq as
// Checkpointed. Checkpointed entries are retained on disk, not deleted.
func (s *Store) Checkpoint(ctx context.Context, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for i := range s.entries {
		if s.entries[i].Sequence <= seq && s.entries[i].State == wal.StateCommitted {
			s.entries[i].State = wal.StateCheckpointed
			changed = true
		}
	}
	if !changed {
		return nil
	}
	_, err := s.appendEntry(uuid.Nil, wal.WalOperation{Kind: wal.OpCheckpoint, CheckpointSeq: seq}, wal.StateCheckpointed)
	return err
}

// CurrentSequence returns the highest sequence number assigned so far.
func (s *Store) CurrentSequence(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq, nil
}

const snapshotFilePrefix = "snapshot_"
const snapshotFileSuffix = ".snap"

func snapshotsDir(path string) string {
	return filepath.Join(filepath.Dir(path), "snapshots")
}

func snapshotFileName(index uint64) string {
	return fmt.Sprintf("%s%d%s", snapshotFilePrefix, index, snapshotFileSuffix)
}

func snapshotIndexFromName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, snapshotFilePrefix) || !strings.HasSuffix(name, snapshotFileSuffix) {
		return 0, false
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, snapshotFilePrefix), snapshotFileSuffix)
	idx, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// StoreSnapshot durably writes a state machine snapshot to
// snapshots/snapshot_<lastIncludedIndex>.snap via the usual temp-file,
// fsync, rename sequence, then removes every snapshot but the
// SnapshotRetention most recent. Grounded on raft-storage/src/file.rs's
// store_snapshot/snapshot_file_path.
func (s *Store) StoreSnapshot(ctx context.Context, data []byte, lastIncludedIndex uint64, lastIncludedTerm uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := snapshotsDir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return wal.WrapStorageError("mkdir snapshots dir", err)
	}

	final := filepath.Join(dir, snapshotFileName(lastIncludedIndex))
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return wal.WrapStorageError("create snapshot file", err)
	}

	var header [16]byte
	binary.BigEndian.PutUint64(header[0:8], lastIncludedIndex)
	binary.BigEndian.PutUint64(header[8:16], lastIncludedTerm)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(tmp)
		return wal.WrapStorageError("write snapshot header", err)
	}
	if _, err := f.Write(lenBuf[:]); err != nil {
		f.Close()
		os.Remove(tmp)
		return wal.WrapStorageError("write snapshot length", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return wal.WrapStorageError("write snapshot data", err)
	}
	if s.SyncMode != config.SyncNone {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return wal.WrapStorageError("fsync snapshot file", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return wal.WrapStorageError("close snapshot file", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return wal.WrapStorageError("rename snapshot file", err)
	}

	return s.cleanupSnapshots()
}

// LoadLatestSnapshot returns the highest-indexed snapshot file under
// snapshots/, if any exist. Grounded on raft-storage/src/file.rs's
// load_snapshot, which scans the snapshots directory and picks the highest
// index rather than tracking a pointer to the current one.
func (s *Store) LoadLatestSnapshot(ctx context.Context) (data []byte, lastIncludedIndex uint64, lastIncludedTerm uint64, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := snapshotsDir(s.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, 0, false, nil
		}
		return nil, 0, 0, false, wal.WrapStorageError("list snapshots dir", err)
	}

	var bestIndex uint64
	var bestName string
	haveBest := false
	for _, e := range entries {
		idx, ok := snapshotIndexFromName(e.Name())
		if !ok {
			continue
		}
		if !haveBest || idx > bestIndex {
			bestIndex, bestName, haveBest = idx, e.Name(), true
		}
	}
	if !haveBest {
		return nil, 0, 0, false, nil
	}

	data, term, err := readSnapshotFile(filepath.Join(dir, bestName))
	if err != nil {
		return nil, 0, 0, false, err
	}
	return data, bestIndex, term, true, nil
}

func readSnapshotFile(path string) ([]byte, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, wal.WrapStorageError("open snapshot file", err)
	}
	defer f.Close()

	var header [16]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, 0, &raftcore.CorruptionError{Detail: "snapshot file missing header"}
	}
	term := binary.BigEndian.Uint64(header[8:16])

	var lenBuf [4]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, 0, &raftcore.CorruptionError{Detail: "snapshot file missing length"}
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, length)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, 0, &raftcore.CorruptionError{Detail: "snapshot file truncated"}
	}
	return data, term, nil
}

// cleanupSnapshots removes every snapshot file except the SnapshotRetention
// most recent. Grounded on raft-storage/src/file.rs's cleanup_snapshots,
// which keeps only the single latest snapshot; SnapshotRetention
// generalizes that to keep the latest N. A zero SnapshotRetention disables
// cleanup entirely.
func (s *Store) cleanupSnapshots() error {
	if s.SnapshotRetention == 0 {
		return nil
	}
	dir := snapshotsDir(s.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return wal.WrapStorageError("list snapshots dir", err)
	}

	type indexed struct {
		index uint64
		name  string
	}
	var found []indexed
	for _, e := range entries {
		idx, ok := snapshotIndexFromName(e.Name())
		if !ok {
			continue
		}
		found = append(found, indexed{idx, e.Name()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })

	if len(found) <= int(s.SnapshotRetention) {
		return nil
	}
	for _, old := range found[:len(found)-int(s.SnapshotRetention)] {
		if err := os.Remove(filepath.Join(dir, old.name)); err != nil && !os.IsNotExist(err) {
			return wal.WrapStorageError("remove old snapshot", err)
		}
	}
	return nil
}

// VerifyIntegrity independently re-scans the WAL file entry by entry,
// reporting every checksum mismatch or undecodable entry rather than
// silently treating it as a torn write the way Open/loadExisting do (which
// is correct for startup replay, since a crash always leaves a torn write
// at the tail, but wrong for an operator asking "is this file corrupt").
// Grounded on raft-storage/src/file.rs::verify_integrity. Like the
// original, SnapshotsChecked is always left at 0: neither implementation
// verifies snapshot file integrity, only the primary log.
func (s *Store) VerifyIntegrity(ctx context.Context) (wal.IntegrityReport, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	report := wal.IntegrityReport{IsValid: true}

	f, err := os.Open(s.path)
	if err != nil {
		report.IsValid = false
		report.Issues = append(report.Issues, wal.IntegrityIssue{
			Type: wal.IssueOther, Description: err.Error(), Severity: wal.SeverityCritical,
		})
		report.VerificationTime = time.Since(start)
		return report, nil
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != fileMagic {
		report.IsValid = false
		report.Issues = append(report.Issues, wal.IntegrityIssue{
			Type: wal.IssueOther, Description: "missing or invalid magic header", Severity: wal.SeverityCritical,
		})
		report.VerificationTime = time.Since(start)
		return report, nil
	}
	var versionBuf [4]byte
	if _, err := io.ReadFull(r, versionBuf[:]); err != nil {
		report.IsValid = false
		report.Issues = append(report.Issues, wal.IntegrityIssue{
			Type: wal.IssueOther, Description: "missing version", Severity: wal.SeverityCritical,
		})
		report.VerificationTime = time.Since(start)
		return report, nil
	}

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			break
		}
		length := binary.BigEndian.Uint32(lenBuf[:])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}

		var checksumBuf [4]byte
		if _, err := io.ReadFull(r, checksumBuf[:]); err != nil {
			break
		}
		wantChecksum := binary.BigEndian.Uint32(checksumBuf[:])
		report.EntriesChecked++

		var rec record
		decodeErr := gobDecoder(payload).Decode(&rec)

		if crc32.ChecksumIEEE(payload) != wantChecksum {
			report.IsValid = false
			seq := uint64(0)
			if decodeErr == nil {
				seq = rec.Sequence
			}
			report.Issues = append(report.Issues, wal.IntegrityIssue{
				Type: wal.IssueChecksumMismatch, Description: "checksum mismatch", LogIndex: seq, Severity: wal.SeverityError,
			})
			continue
		}
		if decodeErr != nil {
			report.IsValid = false
			report.Issues = append(report.Issues, wal.IntegrityIssue{
				Type: wal.IssueOther, Description: "entry decode failed: " + decodeErr.Error(), Severity: wal.SeverityError,
			})
		}
	}

	report.VerificationTime = time.Since(start)
	return report, nil
}

func gobEncode(r record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecoder(payload []byte) *gob.Decoder {
	return gob.NewDecoder(bytes.NewReader(payload))
}
