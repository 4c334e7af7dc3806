package backend

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/wgdzlh/rvpipe/fileio"
	"github.com/wgdzlh/rvpipe/log"

	"go.uber.org/zap"
)

// Checkpoint is the durable state after a completed epoch.
type Checkpoint struct {
	Epoch        int    `json:"epoch"`
	ConfigDigest string `json:"config_digest"`
	State        []byte `json:"state"`
	SHA256       string `json:"sha256"`
}

func (c *Checkpoint) digest() string {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(c.Epoch))
	h.Write(buf[:])
	h.Write([]byte(c.ConfigDigest))
	h.Write([]byte{0})
	h.Write(c.State)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks the integrity hash.
func (c *Checkpoint) Verify() error {
	if c.SHA256 == "" || c.SHA256 != c.digest() {
		return fmt.Errorf("%w: epoch %d", ErrCorrupt, c.Epoch)
	}
	return nil
}

const (
	checkpointPrefix = "epoch-"
	checkpointExt    = ".json"
)

// CheckpointStore keeps one file per epoch below dir. It has a single writer;
// every write replaces the file atomically.
type CheckpointStore struct {
	fs     fileio.FS
	dir    string
	logTag string
}

func NewCheckpointStore(fs fileio.FS, dir string) *CheckpointStore {
	return &CheckpointStore{fs: fs, dir: dir, logTag: "CheckpointStore:"}
}

func (s *CheckpointStore) Dir() string { return s.dir }

func (s *CheckpointStore) uri(epoch int) string {
	return fileio.Join(s.dir, fmt.Sprintf("%s%06d%s", checkpointPrefix, epoch, checkpointExt))
}

func (s *CheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	cp.SHA256 = cp.digest()
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err = s.fs.Write(ctx, s.uri(cp.Epoch), data); err != nil {
		return fmt.Errorf("save checkpoint %d: %w", cp.Epoch, err)
	}
	log.Info(s.logTag+"saved checkpoint", zap.Int("epoch", cp.Epoch), zap.String("sha256", cp.SHA256))
	return nil
}

func epochOf(uri string) (int, bool) {
	name := path.Base(strings.ReplaceAll(uri, "\\", "/"))
	if !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, checkpointExt) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, checkpointPrefix), checkpointExt))
	return n, err == nil
}

// Latest returns the newest checkpoint that verifies and was written under
// configDigest. Corrupt checkpoints are logged and skipped, never returned.
func (s *CheckpointStore) Latest(ctx context.Context, configDigest string) (*Checkpoint, error) {
	uris, err := s.fs.List(ctx, s.dir)
	if err != nil {
		return nil, err
	}
	type entry struct {
		uri   string
		epoch int
	}
	var es []entry
	for _, u := range uris {
		if n, ok := epochOf(u); ok {
			es = append(es, entry{u, n})
		}
	}
	sort.Slice(es, func(i, j int) bool { return es[i].epoch > es[j].epoch })
	for _, e := range es {
		data, err := s.fs.Read(ctx, e.uri)
		if err != nil {
			return nil, err
		}
		cp := &Checkpoint{}
		if err = json.Unmarshal(data, cp); err != nil {
			log.Warn(s.logTag+"skip unreadable checkpoint", zap.String("uri", e.uri), zap.Error(err))
			continue
		}
		if err = cp.Verify(); err != nil || cp.Epoch != e.epoch {
			log.Warn(s.logTag+"skip corrupt checkpoint", zap.String("uri", e.uri), zap.Error(err))
			continue
		}
		if cp.ConfigDigest != configDigest {
			log.Info(s.logTag+"ignore checkpoint of another config", zap.String("uri", e.uri))
			continue
		}
		return cp, nil
	}
	return nil, ErrNoCheckpoint
}

// Clear deletes every checkpoint.
func (s *CheckpointStore) Clear(ctx context.Context) error {
	return s.fs.Delete(ctx, s.dir)
}
