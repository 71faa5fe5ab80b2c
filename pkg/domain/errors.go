package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound       = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrPasteTooLarge       = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusRequestEntityTooLarge)
	ErrContentRequired     = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrInvalidExtension    = NewErr("INVALID_EXTENSION", "invalid extension", http.StatusBadRequest)
	ErrInvalidExpiry       = NewErr("INVALID_EXPIRY", "invalid expiry", http.StatusBadRequest)
	ErrInvalidRequest      = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded   = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrDuplicateID         = NewErr("DUPLICATE_ID", "id already taken", http.StatusConflict)
	ErrIDGenerationFailed  = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
	ErrTierUnavailable     = NewErr("TIER_UNAVAILABLE", "storage unavailable", http.StatusServiceUnavailable)
	ErrPartialDelete       = NewErr("PARTIAL_DELETE", "delete incomplete, retry later", http.StatusInternalServerError)
	ErrServiceShuttingDown = NewErr("SHUTTING_DOWN", "service shutting down", http.StatusServiceUnavailable)
	ErrInternalServer      = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// TierErr marks a failure to reach one of the storage tiers. It matches
// ErrTierUnavailable under errors.Is while keeping the cause for logs.
type TierErr struct {
	Op  string
	Err error
}

func (e *TierErr) Error() string {
	if e.Err == nil {
		return e.Op + ": storage unavailable"
	}
	return e.Op + ": " + e.Err.Error()
}
func (e *TierErr) Unwrap() error { return e.Err }
func (e *TierErr) Is(target error) bool {
	return target == ErrTierUnavailable
}
func Unavailable(op string, err error) error {
	return &TierErr{Op: op, Err: err}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

func ToResp(err error) ErrResp {
	if e := lookup(err); e != nil {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternalServer.Code, Msg: ErrInternalServer.Msg}}
}
func Status(err error) int {
	if e := lookup(err); e != nil {
		return e.Status
	}
	return http.StatusInternalServerError
}
func lookup(err error) *Err {
	if err == nil {
		return nil
	}
	var e *Err
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, ErrTierUnavailable) {
		return ErrTierUnavailable
	}
	return nil
}
