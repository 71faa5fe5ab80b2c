package main

import (
	"context"
	"stashbin/cfg"
	"stashbin/svc/blob"
	"stashbin/svc/db"
	"stashbin/svc/util"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const walInterval = 5 * time.Minute

// openStore returns the structured store and a stop func that halts its
// background work and closes it.
func openStore(ctx context.Context, c *cfg.Cfg) (db.Store, func(), error) {
	switch c.StoreBackend {
	case cfg.StoreSQLite:
		s, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.StoreTimeout)
		if err != nil {
			return nil, nil, err
		}
		walCtx, stopWAL := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			db.RunWALMaintenance(walCtx, s.DB(), walInterval)
		}()
		util.Info().Str("path", c.DatabasePath).Msg("sqlite store initialized")
		return s, func() {
			stopWAL()
			wg.Wait()
			s.Close()
		}, nil
	case cfg.StoreDynamoDB:
		d, err := db.NewDynamoDB(ctx, c.DynamoDBTable, c.DynamoDBRegion, c.DynamoDBEndpoint, c.StoreTimeout)
		if err != nil {
			return nil, nil, err
		}
		util.Info().Str("table", c.DynamoDBTable).Str("region", c.DynamoDBRegion).Msg("dynamodb store initialized")
		return d, func() { d.Close() }, nil
	case cfg.StoreMongoDB:
		if c.MongoURI.Value() == "" {
			return nil, nil, errors.New("MONGODB_URI is not set and no secret provides it")
		}
		m, err := db.NewMongoDB(ctx, c.MongoURI.Value(), c.MongoDatabase, c.MongoCollection, c.StoreTimeout)
		if err != nil {
			return nil, nil, err
		}
		util.Info().Str("uri", util.RedactURI(c.MongoURI.Value())).Str("collection", c.MongoCollection).Msg("mongodb store initialized")
		return m, func() { m.Close() }, nil
	}
	return nil, nil, errors.Errorf("unsupported store backend %q", c.StoreBackend)
}

func openBlobs(ctx context.Context, c *cfg.Cfg) (blob.Store, error) {
	switch c.BlobBackend {
	case cfg.BlobS3:
		s, err := blob.NewS3(ctx, blob.S3Options{
			Bucket:          c.S3Bucket,
			Prefix:          c.S3Prefix,
			Region:          c.S3Region,
			Endpoint:        c.S3Endpoint,
			PathStyle:       c.S3PathStyle,
			AccessKeyID:     c.S3AccessKeyID,
			SecretAccessKey: c.S3SecretAccessKey.Value(),
		})
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, c.StoreTimeout)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			util.Warn().Err(err).Str("bucket", c.S3Bucket).Msg("s3 bucket not reachable at startup")
		}
		util.Info().Str("bucket", c.S3Bucket).Msg("s3 blob store initialized")
		return s, nil
	case cfg.BlobBolt:
		b, err := blob.OpenBolt(c.BoltPath)
		if err != nil {
			return nil, err
		}
		util.Info().Str("path", c.BoltPath).Msg("bolt blob store initialized")
		return b, nil
	}
	return nil, errors.Errorf("unsupported blob backend %q", c.BlobBackend)
}
