package blob

import (
	"bytes"
	"context"
	"encoding/binary"
	"stashbin/pkg/domain"
	"stashbin/pkg/kms"
	"strings"

	"github.com/pkg/errors"
)

var sealedMagic = []byte("SBX1")

// sealedRefPrefix marks a ref whose blob was written by Sealed.
const sealedRefPrefix = "sealed:"

// DataKeys mints per-blob data keys and unwraps stored ones.
type DataKeys interface {
	NewDataKey(ctx context.Context) (dek, wrapped []byte, err error)
	OpenDataKey(ctx context.Context, wrapped []byte) ([]byte, error)
}

// Sealed encrypts blobs before they reach the inner store. Each blob gets its
// own data key, stored wrapped in front of the ciphertext:
//
//	"SBX1" | uint16 len(wrapped) | wrapped | nonce+ciphertext
//
// Sealed refs carry sealedRefPrefix, so whether a blob is encrypted is recorded
// with the paste and never guessed from its bytes. Refs without the prefix
// predate encryption and their blobs are returned as stored.
type Sealed struct {
	Store
	keys DataKeys
}

func NewSealed(inner Store, keys DataKeys) *Sealed {
	return &Sealed{Store: inner, keys: keys}
}
func (s *Sealed) Put(ctx context.Context, data []byte) (string, error) {
	dek, wrapped, err := s.keys.NewDataKey(ctx)
	if err != nil {
		return "", domain.Unavailable("wrap data key", err)
	}
	defer wipe(dek)
	if len(wrapped) > 0xFFFF {
		return "", errors.Errorf("wrapped data key too long: %d bytes", len(wrapped))
	}
	ct, err := kms.Seal(data, dek)
	if err != nil {
		return "", errors.Wrap(err, "seal blob")
	}
	frame := make([]byte, 0, len(sealedMagic)+2+len(wrapped)+len(ct))
	frame = append(frame, sealedMagic...)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(wrapped)))
	frame = append(frame, wrapped...)
	frame = append(frame, ct...)
	ref, err := s.Store.Put(ctx, frame)
	if err != nil {
		return "", err
	}
	return sealedRefPrefix + ref, nil
}
func (s *Sealed) Get(ctx context.Context, ref string) ([]byte, error) {
	inner, sealed := strings.CutPrefix(ref, sealedRefPrefix)
	frame, err := s.Store.Get(ctx, inner)
	if err != nil || !sealed {
		return frame, err
	}
	if !bytes.HasPrefix(frame, sealedMagic) {
		return nil, errors.Errorf("sealed blob %s has no seal header", inner)
	}
	rest := frame[len(sealedMagic):]
	if len(rest) < 2 {
		return nil, errors.Errorf("sealed blob %s truncated", ref)
	}
	n := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) < n {
		return nil, errors.Errorf("sealed blob %s truncated", ref)
	}
	dek, err := s.keys.OpenDataKey(ctx, rest[:n])
	if err != nil {
		if errors.Is(err, kms.ErrUnwrapFailed) {
			return nil, errors.Wrapf(err, "blob %s", ref)
		}
		return nil, domain.Unavailable("unwrap data key", err)
	}
	defer wipe(dek)
	data, err := kms.Open(rest[n:], dek)
	if err != nil {
		return nil, errors.Wrapf(err, "open sealed blob %s", ref)
	}
	return data, nil
}
func (s *Sealed) Delete(ctx context.Context, ref string) error {
	return s.Store.Delete(ctx, strings.TrimPrefix(ref, sealedRefPrefix))
}
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
