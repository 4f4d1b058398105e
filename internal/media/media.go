// Package media stores user-sent images and audio so they can be echoed back
// by public URL.
package media

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// ErrNotConfigured is returned by Disabled.Put.
var ErrNotConfigured = errors.New("media store not configured")

// Store persists an object and returns the public URL it is reachable at.
type Store interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
	Name() string
}

// NewObjectName returns a random 40-hex-character name with the given extension (e.g. ".jpg").
func NewObjectName(ext string) string {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b) + ext
}

// Disabled is the Store used when no backend is configured.
type Disabled struct{}

func (Disabled) Put(context.Context, string, []byte, string) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) Name() string { return "disabled" }
