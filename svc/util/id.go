package util

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
)

const (
	DefaultIDLength   = 4
	DefaultIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Allocator draws short random ids. It does not remember what it issued;
// the structured store's primary key decides whether an id is free.
type Allocator struct {
	alphabet string
	length   int
}

func NewAllocator(length int, alphabet string) *Allocator {
	if length <= 0 {
		length = DefaultIDLength
	}
	if alphabet == "" {
		alphabet = DefaultIDAlphabet
	}
	return &Allocator{alphabet: alphabet, length: length}
}
func (a *Allocator) Allocate() (string, error) {
	id, err := gonanoid.Generate(a.alphabet, a.length)
	if err != nil {
		return "", errors.Wrap(err, "generate id")
	}
	return id, nil
}
func (a *Allocator) Length() int {
	return a.length
}
