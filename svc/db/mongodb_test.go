package db

import (
	"context"
	"os"
	"stashbin/pkg/domain"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

func newTestMongo(t *testing.T) *MongoDB {
	t.Helper()
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}
	m, err := NewMongoDB(context.Background(), uri, "stashbin_test", "pastes_"+uuid.NewString()[:8], 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		m.collection.Drop(context.Background())
		m.Close()
	})
	return m
}

func TestMongoDB_Lifecycle(t *testing.T) {
	m := newTestMongo(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	if err := m.Insert(ctx, testPaste("mg1", domain.Inline{Body: []byte("hi")}, nil)); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(ctx, testPaste("mg1", domain.Inline{Body: []byte("again")}, nil)); err != domain.ErrDuplicateID {
		t.Errorf("duplicate = %v", err)
	}
	if err := m.Insert(ctx, testPaste("mg2", domain.Offloaded{Ref: "s3://b/k"}, &past)); err != nil {
		t.Fatal(err)
	}
	p, err := m.Get(ctx, "mg1")
	if err != nil {
		t.Fatal(err)
	}
	if in, ok := p.Content.(domain.Inline); !ok || string(in.Body) != "hi" {
		t.Errorf("content = %#v", p.Content)
	}
	if _, err := m.Get(ctx, "mg2"); err != domain.ErrPasteNotFound {
		t.Errorf("expired get = %v", err)
	}
	expired, err := m.ListExpired(ctx, time.Now(), "", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != "mg2" || expired[0].Tier() != domain.TierOffloaded {
		t.Errorf("ListExpired = %+v", expired)
	}
	if err := m.Delete(ctx, "mg2"); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, "mg2"); err != domain.ErrPasteNotFound {
		t.Errorf("second delete = %v", err)
	}
}

func TestMongoRecordMapping(t *testing.T) {
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	exp := created.Add(time.Hour)

	tests := []struct {
		name  string
		paste *domain.Paste
	}{
		{"inline", &domain.Paste{ID: "in1", Extension: "txt", Content: domain.Inline{Body: []byte("hello")}, Size: 5, CreatedAt: created, ExpiresAt: &exp}},
		{"empty inline", &domain.Paste{ID: "in2", Content: domain.Inline{Body: []byte{}}, CreatedAt: created}},
		{"offloaded", &domain.Paste{ID: "off1", Extension: "go", Content: domain.Offloaded{Ref: "s3://b/k"}, Size: 1 << 20, CreatedAt: created}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := bson.Marshal(toMongoRecord(tt.paste))
			if err != nil {
				t.Fatal(err)
			}
			var rec mongoRecord
			if err := bson.Unmarshal(raw, &rec); err != nil {
				t.Fatal(err)
			}
			got, err := rec.paste()
			if err != nil {
				t.Fatal(err)
			}
			if got.ID != tt.paste.ID || got.Extension != tt.paste.Extension || got.Size != tt.paste.Size {
				t.Errorf("metadata = %+v", got)
			}
			if got.Tier() != tt.paste.Tier() {
				t.Errorf("tier = %v, want %v", got.Tier(), tt.paste.Tier())
			}
			switch want := tt.paste.Content.(type) {
			case domain.Inline:
				if in := got.Content.(domain.Inline); string(in.Body) != string(want.Body) || in.Body == nil {
					t.Errorf("inline body = %#v", in.Body)
				}
			case domain.Offloaded:
				if off := got.Content.(domain.Offloaded); off.Ref != want.Ref {
					t.Errorf("ref = %q", off.Ref)
				}
			}
			if !got.CreatedAt.Equal(created) || got.CreatedAt.Location() != time.UTC {
				t.Errorf("created_at = %v, want %v in UTC", got.CreatedAt, created)
			}
			if (got.ExpiresAt == nil) != (tt.paste.ExpiresAt == nil) {
				t.Fatalf("expires_at = %v", got.ExpiresAt)
			}
			if got.ExpiresAt != nil && !got.ExpiresAt.Equal(exp) {
				t.Errorf("expires_at = %v, want %v", got.ExpiresAt, exp)
			}
		})
	}

	if _, err := (mongoRecord{ID: "bad", Tier: "cold"}).paste(); err == nil {
		t.Error("unknown tier should be rejected")
	}
}

func TestMongoExpiredFilter(t *testing.T) {
	asOf := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	first := expiredFilter(asOf, "")
	if _, ok := first["_id"]; ok {
		t.Errorf("first page should not constrain _id: %v", first)
	}
	next := expiredFilter(asOf, "abcd")
	if cond, ok := next["_id"].(bson.M); !ok || cond["$gt"] != "abcd" {
		t.Errorf("next page filter = %v", next)
	}
}
