package blob

import (
	"context"
	"stashbin/pkg/domain"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const boltScheme = "bolt"

var blobBucket = []byte("blobs")

// Bolt keeps blobs in a single local bbolt file.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobBucket)
		return errors.Wrap(err, "create blob bucket")
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}
func (b *Bolt) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := newObjectName()
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobBucket).Put([]byte(key), data)
	})
	if err != nil {
		return "", domain.Unavailable("bolt put", err)
	}
	return formatRef(boltScheme, string(blobBucket), key), nil
}
func (b *Bolt) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, ok := parseRef(ref, boltScheme, string(blobBucket))
	if !ok {
		return nil, ErrObjectNotFound
	}
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blobBucket).Get([]byte(key))
		if v == nil {
			return ErrObjectNotFound
		}
		// v is only valid for the life of the transaction.
		out = append([]byte{}, v...)
		return nil
	})
	if err == ErrObjectNotFound {
		return nil, err
	}
	if err != nil {
		return nil, domain.Unavailable("bolt get", err)
	}
	return out, nil
}
func (b *Bolt) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, ok := parseRef(ref, boltScheme, string(blobBucket))
	if !ok {
		return ErrObjectNotFound
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(blobBucket)
		if bk.Get([]byte(key)) == nil {
			return ErrObjectNotFound
		}
		return bk.Delete([]byte(key))
	})
	if err == ErrObjectNotFound {
		return err
	}
	if err != nil {
		return domain.Unavailable("bolt delete", err)
	}
	return nil
}
func (b *Bolt) Ping(ctx context.Context) error {
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(blobBucket) == nil {
			return errors.New("blob bucket missing")
		}
		return nil
	})
}
func (b *Bolt) Close() error {
	return b.db.Close()
}
