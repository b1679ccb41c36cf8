// Package epochlog implements the durable, append-only store mapping
// epoch to committed node list described in spec §4.B: one file per
// committed epoch, content = concatenated NodeEntry records, written
// atomically via a temp file + rename. This has no direct teacher
// analog (tgres keeps no durable epoch history); it is built in the
// corpus's prevailing file-IO idiom -- plain os/bufio, wrapped errors
// via fmt.Errorf("...: %w", ...).
package epochlog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/ikedaj/sheepdog/internal/membership"
)

// entryRecordLen is the fixed on-disk size of one NodeEntry record:
// addr (fixed 64 bytes, NUL padded), port, zone, vnodes.
const entryRecordLen = 64 + 2 + 4 + 2

const epochFileSuffix = ".epoch"

// Peer fetches a remote peer's epoch-log entry for read_remote.
type Peer interface {
	Name() string
	FetchEpoch(epoch uint32) ([]membership.NodeEntry, bool, error)
}

// Log is the on-disk epoch log rooted at Dir.
type Log struct {
	mu  sync.Mutex
	dir string
	log hclog.Logger
}

// Open returns a Log rooted at dir, creating dir if necessary.
func Open(dir string, logger hclog.Logger) (*Log, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("epochlog: mkdir %s: %w", dir, err)
	}
	return &Log{dir: dir, log: logger.Named("epochlog")}, nil
}

func (l *Log) path(epoch uint32) string {
	return filepath.Join(l.dir, fmt.Sprintf("%d%s", epoch, epochFileSuffix))
}

// Write atomically persists the node list for epoch. Overwriting an
// existing epoch is permitted (used by format). Write failures are
// logged but do not abort the caller, per §4.B.
func (l *Log) Write(epoch uint32, nodes []membership.NodeEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	final := l.path(epoch)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.Error("write: open temp file failed", "epoch", epoch, "error", err)
		return fmt.Errorf("epochlog: write epoch %d: %w", epoch, err)
	}
	defer os.Remove(tmp) // no-op once renamed

	for _, n := range nodes {
		if _, err := f.Write(encodeEntry(n)); err != nil {
			f.Close()
			l.log.Error("write: encode entry failed", "epoch", epoch, "error", err)
			return fmt.Errorf("epochlog: write epoch %d: %w", epoch, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		l.log.Error("write: fsync failed", "epoch", epoch, "error", err)
		return fmt.Errorf("epochlog: write epoch %d: %w", epoch, err)
	}
	if err := f.Close(); err != nil {
		l.log.Error("write: close failed", "epoch", epoch, "error", err)
		return fmt.Errorf("epochlog: write epoch %d: %w", epoch, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		l.log.Error("write: rename failed", "epoch", epoch, "error", err)
		return fmt.Errorf("epochlog: write epoch %d: %w", epoch, err)
	}
	return nil
}

// Read returns the node list for epoch, or ok=false (NoTag) if absent or
// unreadable. Read failures do not propagate as an error to keep the
// §4.B "read failures return NoTag" contract -- callers that need the
// cause should call ReadErr.
func (l *Log) Read(epoch uint32) ([]membership.NodeEntry, bool) {
	nodes, err := l.ReadErr(epoch)
	if err != nil {
		return nil, false
	}
	return nodes, true
}

// ReadErr is like Read but surfaces the underlying error.
func (l *Log) ReadErr(epoch uint32) ([]membership.NodeEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path(epoch))
	if err != nil {
		return nil, fmt.Errorf("epochlog: read epoch %d: %w", epoch, err)
	}
	if len(data)%entryRecordLen != 0 {
		return nil, fmt.Errorf("epochlog: read epoch %d: corrupt length %d", epoch, len(data))
	}
	n := len(data) / entryRecordLen
	out := make([]membership.NodeEntry, n)
	for i := 0; i < n; i++ {
		out[i] = decodeEntry(data[i*entryRecordLen : (i+1)*entryRecordLen])
	}
	return out, nil
}

// ReadRemote fetches epoch from the first reachable peer in peers that
// has it, aggregating individual peer failures with go-multierror so
// the caller can see every attempt that failed.
func (l *Log) ReadRemote(epoch uint32, peers []Peer) ([]membership.NodeEntry, error) {
	var merr *multierror.Error
	for _, p := range peers {
		nodes, ok, err := p.FetchEpoch(epoch)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("peer %s: %w", p.Name(), err))
			continue
		}
		if ok {
			return nodes, nil
		}
	}
	if merr != nil {
		return nil, fmt.Errorf("epochlog: read_remote epoch %d: %w", epoch, merr.ErrorOrNil())
	}
	return nil, fmt.Errorf("epochlog: read_remote epoch %d: no peer had it", epoch)
}

// Latest returns the highest epoch with a committed file, or 0 if none.
func (l *Log) Latest() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0
	}
	var max uint32
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), epochFileSuffix) {
			continue
		}
		numStr := strings.TrimSuffix(e.Name(), epochFileSuffix)
		n, err := strconv.ParseUint(numStr, 10, 32)
		if err != nil {
			continue
		}
		if uint32(n) > max {
			max = uint32(n)
		}
	}
	return max
}

// All returns every committed epoch number, ascending. Used by recovery
// tooling and tests; not part of the spec's minimal interface but a
// harmless read-only addition.
func (l *Log) All() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil
	}
	var epochs []uint32
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), epochFileSuffix) {
			continue
		}
		numStr := strings.TrimSuffix(e.Name(), epochFileSuffix)
		n, err := strconv.ParseUint(numStr, 10, 32)
		if err != nil {
			continue
		}
		epochs = append(epochs, uint32(n))
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs
}

// Remove deletes epoch's file, used only by format.
func (l *Log) Remove(epoch uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(l.path(epoch)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("epochlog: remove epoch %d: %w", epoch, err)
	}
	return nil
}

func encodeEntry(n membership.NodeEntry) []byte {
	buf := make([]byte, entryRecordLen)
	copy(buf[0:64], []byte(n.Addr))
	binary.LittleEndian.PutUint16(buf[64:66], n.Port)
	binary.LittleEndian.PutUint32(buf[66:70], n.Zone)
	binary.LittleEndian.PutUint16(buf[70:72], n.VNodes)
	return buf
}

func decodeEntry(buf []byte) membership.NodeEntry {
	addr := strings.TrimRight(string(buf[0:64]), "\x00")
	port := binary.LittleEndian.Uint16(buf[64:66])
	zone := binary.LittleEndian.Uint32(buf[66:70])
	vnodes := binary.LittleEndian.Uint16(buf[70:72])
	return membership.NodeEntry{Addr: addr, Port: port, Zone: zone, VNodes: vnodes}
}
