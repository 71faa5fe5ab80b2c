package domain

import (
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestPaste_TierExclusivity(t *testing.T) {
	inline := &Paste{ID: "abcd", Content: Inline{Body: []byte("hi")}}
	if inline.Tier() != TierInline {
		t.Errorf("inline tier = %v", inline.Tier())
	}
	off := &Paste{ID: "abcd", Content: Offloaded{Ref: "s3://b/k"}}
	if off.Tier() != TierOffloaded {
		t.Errorf("offloaded tier = %v", off.Tier())
	}
	if err := (&Paste{ID: "abcd"}).Validate(); err != ErrContentRequired {
		t.Errorf("paste without content should be rejected, got %v", err)
	}
	if err := (&Paste{ID: "abcd", Content: Offloaded{}}).Validate(); err != ErrContentRequired {
		t.Errorf("empty ref should be rejected, got %v", err)
	}
	if err := (&Paste{ID: "ab.c", Content: Inline{Body: []byte("x")}}).Validate(); err != ErrInvalidRequest {
		t.Errorf("dotted id should be rejected, got %v", err)
	}
	if err := inline.Validate(); err != nil {
		t.Errorf("valid inline paste rejected: %v", err)
	}
}

func TestPaste_ExpiredAt(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	tests := []struct {
		name    string
		expires *time.Time
		want    bool
	}{
		{"never", nil, false},
		{"past", &past, true},
		{"exactly now", &now, true},
		{"future", &future, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Paste{ExpiresAt: tt.expires}
			if got := p.ExpiredAt(now); got != tt.want {
				t.Errorf("ExpiredAt = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSplitIDAndDisplayName(t *testing.T) {
	id, ext := SplitID("aB3x.py")
	if id != "aB3x" || ext != "py" {
		t.Errorf("SplitID = %q %q", id, ext)
	}
	id, ext = SplitID("aB3x")
	if id != "aB3x" || ext != "" {
		t.Errorf("SplitID without extension = %q %q", id, ext)
	}
	p := &Paste{ID: "aB3x", Extension: "py"}
	if p.DisplayName() != "aB3x.py" {
		t.Errorf("DisplayName = %q", p.DisplayName())
	}
	p.Extension = ""
	if p.DisplayName() != "aB3x" {
		t.Errorf("DisplayName without extension = %q", p.DisplayName())
	}
}

func TestNormalizeExtension(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"txt", "txt", false},
		{".Go", "go", false},
		{"c++", "c++", false},
		{"tar-gz", "tar-gz", false},
		{"a/b", "", true},
		{"a b", "", true},
		{"x.y", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeExtension(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeExtension(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeExtension(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	presets := DefaultPresets()

	want := map[string]time.Duration{"1h": time.Hour, "1d": Day, "1w": Week, "1m": Month}
	for hint, d := range want {
		got, err := ParseExpiry(hint, now, presets)
		if err != nil {
			t.Fatalf("ParseExpiry(%q): %v", hint, err)
		}
		if !got.Equal(now.Add(d)) {
			t.Errorf("ParseExpiry(%q) = %v, want %v", hint, got, now.Add(d))
		}
	}
	for _, hint := range []string{"", "never", "NEVER"} {
		got, err := ParseExpiry(hint, now, presets)
		if err != nil || got != nil {
			t.Errorf("ParseExpiry(%q) = %v, %v; want nil, nil", hint, got, err)
		}
	}

	got, err := ParseExpiry("2026-03-02T00:00:00+02:00", now, presets)
	if err != nil {
		t.Fatalf("explicit timestamp: %v", err)
	}
	if got.Location() != time.UTC || got.Hour() != 22 {
		t.Errorf("timestamp should be normalised to UTC, got %v", got)
	}

	for _, hint := range []string{"2h", "tomorrow", "2026-02-01T00:00:00Z"} {
		if _, err := ParseExpiry(hint, now, presets); err != ErrInvalidExpiry {
			t.Errorf("ParseExpiry(%q) err = %v, want ErrInvalidExpiry", hint, err)
		}
	}
}

func TestParseExpiry_ConfiguredPresets(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	presets, err := ParsePresets([]string{"2h", " 3D "})
	if err != nil {
		t.Fatalf("ParsePresets: %v", err)
	}
	if got := presets.Names(); len(got) != 2 || got[0] != "2h" || got[1] != "3d" {
		t.Errorf("Names = %v", got)
	}

	got, err := ParseExpiry("2h", now, presets)
	if err != nil || !got.Equal(now.Add(2*time.Hour)) {
		t.Errorf("ParseExpiry(2h) = %v, %v", got, err)
	}
	got, err = ParseExpiry("3d", now, presets)
	if err != nil || !got.Equal(now.Add(3*Day)) {
		t.Errorf("ParseExpiry(3d) = %v, %v", got, err)
	}
	for _, hint := range []string{"1d", "never", ""} {
		if _, err := ParseExpiry(hint, now, presets); err != ErrInvalidExpiry {
			t.Errorf("ParseExpiry(%q) with no such preset err = %v, want ErrInvalidExpiry", hint, err)
		}
	}
	if _, err := ParseExpiry("2026-03-05T00:00:00Z", now, presets); err != nil {
		t.Errorf("explicit timestamps stay accepted: %v", err)
	}
}

func TestParsePresets_Rejects(t *testing.T) {
	tests := [][]string{
		nil,
		{"2x"},
		{"h"},
		{"0d"},
		{"-1h"},
		{"1h", "1H"},
		{"soon"},
	}
	for _, names := range tests {
		if _, err := ParsePresets(names); err == nil {
			t.Errorf("ParsePresets(%q) should fail", names)
		}
	}
}

func TestStatusAndResp(t *testing.T) {
	wrapped := errors.Wrap(ErrPasteNotFound, "get paste")
	if Status(wrapped) != http.StatusNotFound {
		t.Errorf("Status(wrapped not found) = %d", Status(wrapped))
	}
	tierErr := errors.Wrap(Unavailable("s3 get", errors.New("dial tcp 10.0.0.5:9000: refused")), "resolve")
	if !errors.Is(tierErr, ErrTierUnavailable) {
		t.Fatal("tier error should match ErrTierUnavailable")
	}
	if Status(tierErr) != http.StatusServiceUnavailable {
		t.Errorf("Status(tier) = %d", Status(tierErr))
	}
	resp := ToResp(tierErr)
	if resp.Error.Code != "TIER_UNAVAILABLE" || resp.Error.Msg != "storage unavailable" {
		t.Errorf("ToResp leaked or mismatched: %+v", resp)
	}
	if Status(errors.New("boom")) != http.StatusInternalServerError {
		t.Error("unknown errors should be 500")
	}
}
