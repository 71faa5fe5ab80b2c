package blob

import (
	"bytes"
	"context"
	"path/filepath"
	"stashbin/pkg/domain"
	"stashbin/pkg/kms"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// countingWrapper counts master-key round trips and can be switched off.
type countingWrapper struct {
	kms.Wrapper
	unwraps atomic.Int32
	down    atomic.Bool
}

func (c *countingWrapper) Wrap(ctx context.Context, dek []byte) ([]byte, error) {
	if c.down.Load() {
		return nil, errors.New("kms: connection refused")
	}
	return c.Wrapper.Wrap(ctx, dek)
}
func (c *countingWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	c.unwraps.Add(1)
	if c.down.Load() {
		return nil, errors.New("kms: connection refused")
	}
	return c.Wrapper.Unwrap(ctx, wrapped)
}

func newSealedBolt(t *testing.T) (*Sealed, *Bolt, *countingWrapper, *kms.Keyring) {
	t.Helper()
	b, err := OpenBolt(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	local, err := kms.NewLocalWrapper(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatal(err)
	}
	w := &countingWrapper{Wrapper: local}
	ring := kms.NewKeyring(w, time.Hour)
	t.Cleanup(ring.Stop)
	return NewSealed(b, ring), b, w, ring
}

func TestSealed_RoundTripEncryptsAtRest(t *testing.T) {
	s, raw, _, _ := newSealedBolt(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("secret paste body "), 100)

	ref, err := s.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(ref, sealedRefPrefix) {
		t.Fatalf("ref %q should record that the blob is sealed", ref)
	}
	stored, err := raw.Get(ctx, strings.TrimPrefix(ref, sealedRefPrefix))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(stored, []byte("secret paste body")) {
		t.Error("plaintext visible in the inner store")
	}
	if !bytes.HasPrefix(stored, sealedMagic) {
		t.Error("stored blob lacks the seal header")
	}
	got, err := s.Get(ctx, ref)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("Get = %d bytes, %v", len(got), err)
	}
	if err := s.Delete(ctx, ref); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, ref); err != ErrObjectNotFound {
		t.Errorf("Get after delete err = %v", err)
	}
}

func TestSealed_CachesUnwrappedKeys(t *testing.T) {
	s, _, w, ring := newSealedBolt(t)
	ctx := context.Background()
	ref, err := s.Put(ctx, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.Get(ctx, ref); err != nil {
			t.Fatal(err)
		}
	}
	if n := w.unwraps.Load(); n != 0 {
		t.Errorf("keys minted by this keyring should never need unwrapping, got %d calls", n)
	}
	if ring.Len() != 1 {
		t.Errorf("keyring holds %d keys, want 1", ring.Len())
	}
}

func TestSealed_UnwrapThroughFreshKeyring(t *testing.T) {
	s, raw, w, _ := newSealedBolt(t)
	ctx := context.Background()
	ref, err := s.Put(ctx, []byte("written by another instance"))
	if err != nil {
		t.Fatal(err)
	}

	other := kms.NewKeyring(w, time.Hour)
	defer other.Stop()
	reader := NewSealed(raw, other)
	for i := 0; i < 3; i++ {
		got, err := reader.Get(ctx, ref)
		if err != nil || string(got) != "written by another instance" {
			t.Fatalf("Get = %q, %v", got, err)
		}
	}
	if n := w.unwraps.Load(); n != 1 {
		t.Errorf("unwrap calls = %d, want 1", n)
	}
}

func TestSealed_Failures(t *testing.T) {
	s, raw, w, _ := newSealedBolt(t)
	ctx := context.Background()

	legacyRef, err := raw.Put(ctx, []byte("stored before encryption"))
	if err != nil {
		t.Fatal(err)
	}
	if got, err := s.Get(ctx, legacyRef); err != nil || string(got) != "stored before encryption" {
		t.Errorf("unsealed blob = %q, %v", got, err)
	}

	badRef, _ := raw.Put(ctx, append(append([]byte{}, sealedMagic...), 0xFF))
	if _, err := s.Get(ctx, sealedRefPrefix+badRef); err == nil {
		t.Error("truncated frame should fail")
	}
	plainRef, _ := raw.Put(ctx, []byte("no header at all"))
	if _, err := s.Get(ctx, sealedRefPrefix+plainRef); err == nil {
		t.Error("a sealed ref pointing at unsealed bytes should fail")
	}

	w.down.Store(true)
	if _, err := s.Put(ctx, []byte("x")); !errors.Is(err, domain.ErrTierUnavailable) {
		t.Errorf("Put with kms down err = %v, want tier unavailable", err)
	}
}

func TestSealed_LegacyBlobWithHeaderLookalike(t *testing.T) {
	s, raw, _, _ := newSealedBolt(t)
	ctx := context.Background()
	body := []byte("SBX1 release notes\nline two")
	ref, err := raw.Put(ctx, body)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("plaintext blob starting with the seal magic failed to read: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("Get = %q, want the stored bytes", got)
	}
	if err := s.Delete(ctx, ref); err != nil {
		t.Fatal(err)
	}
	if _, err := raw.Get(ctx, ref); err != ErrObjectNotFound {
		t.Errorf("legacy blob survived delete: %v", err)
	}
}
