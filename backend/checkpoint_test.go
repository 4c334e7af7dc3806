package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/wgdzlh/rvpipe/fileio"
)

func TestCheckpointLatest(t *testing.T) {
	ctx := context.Background()
	fs := fileio.NewLocal(t.TempDir())
	dir := filepath.Join(t.TempDir(), "ckpt")
	s := NewCheckpointStore(fs, dir)

	if _, err := s.Latest(ctx, "cfg"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("empty store: got %v", err)
	}
	for e := 1; e <= 3; e++ {
		if err := s.Save(ctx, &Checkpoint{Epoch: e, ConfigDigest: "cfg", State: []byte{byte(e)}}); err != nil {
			t.Fatal(err)
		}
	}
	cp, err := s.Latest(ctx, "cfg")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Epoch != 3 || cp.State[0] != 3 {
		t.Fatalf("latest = epoch %d state %v", cp.Epoch, cp.State)
	}

	// a truncated newest file is skipped
	if err = fs.Write(ctx, s.uri(4), []byte(`{"epoch":4,"sta`)); err != nil {
		t.Fatal(err)
	}
	// so is one whose stored hash no longer matches
	bad := &Checkpoint{Epoch: 5, ConfigDigest: "cfg", State: []byte{5}}
	if err = s.Save(ctx, bad); err != nil {
		t.Fatal(err)
	}
	data, _ := fs.Read(ctx, s.uri(5))
	data[len(data)-3] ^= 1
	if err = fs.Write(ctx, s.uri(5), data); err != nil {
		t.Fatal(err)
	}
	if cp, err = s.Latest(ctx, "cfg"); err != nil || cp.Epoch != 3 {
		t.Fatalf("after corruption: %v %v", cp, err)
	}

	if _, err = s.Latest(ctx, "other"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("foreign config: got %v", err)
	}
	if err = s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err = s.Latest(ctx, "cfg"); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("after clear: got %v", err)
	}
}

func TestCheckpointVerify(t *testing.T) {
	cp := &Checkpoint{Epoch: 2, ConfigDigest: "x", State: []byte("abc")}
	if err := cp.Verify(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("unhashed checkpoint verified: %v", err)
	}
	cp.SHA256 = cp.digest()
	if err := cp.Verify(); err != nil {
		t.Fatal(err)
	}
	cp.Epoch = 3
	if err := cp.Verify(); !errors.Is(err, ErrCorrupt) {
		t.Fatal("epoch change not detected")
	}
}
