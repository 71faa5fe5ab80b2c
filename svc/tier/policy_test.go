package tier

import (
	"context"
	"path/filepath"
	"stashbin/pkg/domain"
	"stashbin/svc/blob"
	"testing"
)

func TestPolicy_Choose(t *testing.T) {
	p := NewPolicy(0, nil)
	tests := []struct {
		size int
		want domain.Tier
	}{
		{0, domain.TierInline},
		{50, domain.TierInline},
		{DefaultThreshold - 1, domain.TierInline},
		{DefaultThreshold, domain.TierOffloaded},
		{5 * DefaultThreshold, domain.TierOffloaded},
	}
	for _, tt := range tests {
		if got := p.Choose(tt.size); got != tt.want {
			t.Errorf("Choose(%d) = %v, want %v", tt.size, got, tt.want)
		}
	}
}

func TestPolicy_Resolve(t *testing.T) {
	store, err := blob.OpenBolt(filepath.Join(t.TempDir(), "b.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()
	p := NewPolicy(16, store)

	got, err := p.Resolve(ctx, &domain.Paste{ID: "in", Content: domain.Inline{Body: []byte("tiny")}})
	if err != nil || string(got) != "tiny" {
		t.Errorf("inline resolve = %q, %v", got, err)
	}

	ref, err := store.Put(ctx, []byte("large enough to offload"))
	if err != nil {
		t.Fatal(err)
	}
	off := &domain.Paste{ID: "off", Content: domain.Offloaded{Ref: ref}}
	got, err = p.Resolve(ctx, off)
	if err != nil || string(got) != "large enough to offload" {
		t.Errorf("offloaded resolve = %q, %v", got, err)
	}

	if err := store.Delete(ctx, ref); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Resolve(ctx, off); err != domain.ErrPasteNotFound {
		t.Errorf("missing blob should read as not found, got %v", err)
	}
}
