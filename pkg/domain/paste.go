package domain

import (
	"strings"
	"time"
)

type Tier int

const (
	TierInline Tier = iota + 1
	TierOffloaded
)

func (t Tier) String() string {
	switch t {
	case TierInline:
		return "inline"
	case TierOffloaded:
		return "offloaded"
	default:
		return "unknown"
	}
}

// Content is where a paste's bytes live. Inline and Offloaded are the only
// implementations, so a record holds exactly one location.
type Content interface {
	Tier() Tier
	isContent()
}

type Inline struct {
	Body []byte
}

func (Inline) Tier() Tier { return TierInline }
func (Inline) isContent() {}

type Offloaded struct {
	Ref string
}

func (Offloaded) Tier() Tier { return TierOffloaded }
func (Offloaded) isContent() {}

type Paste struct {
	ID        string
	Extension string
	Content   Content
	Size      int64
	CreatedAt time.Time
	ExpiresAt *time.Time
}

func (p *Paste) Tier() Tier {
	if p.Content == nil {
		return 0
	}
	return p.Content.Tier()
}

// ExpiredAt reports whether the paste is dead at now. A paste dies the instant
// now reaches its expiry.
func (p *Paste) ExpiredAt(now time.Time) bool {
	if p.ExpiresAt == nil {
		return false
	}
	return !now.Before(*p.ExpiresAt)
}

// DisplayName is the id decorated with the extension, e.g. "aB3x.go".
func (p *Paste) DisplayName() string {
	if p.Extension == "" {
		return p.ID
	}
	return p.ID + "." + p.Extension
}

func (p *Paste) Validate() error {
	if p.ID == "" || strings.Contains(p.ID, ".") {
		return ErrInvalidRequest
	}
	switch c := p.Content.(type) {
	case Inline:
		if c.Body == nil {
			return ErrContentRequired
		}
	case Offloaded:
		if c.Ref == "" {
			return ErrContentRequired
		}
	default:
		return ErrContentRequired
	}
	return nil
}

type CreateParams struct {
	Content   []byte
	Extension string
	ExpiresAt *time.Time
}

// SplitID strips a trailing extension decoration: "aB3x.go" -> ("aB3x", "go").
func SplitID(raw string) (id, ext string) {
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}

const maxExtensionLen = 50

func NormalizeExtension(ext string) (string, error) {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return "", nil
	}
	if len(ext) > maxExtensionLen {
		return "", ErrInvalidExtension
	}
	for _, r := range ext {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '+':
		default:
			return "", ErrInvalidExtension
		}
	}
	return strings.ToLower(ext), nil
}
