// Package sloghooks writes kvlayer hook events to a log/slog logger.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/kvlayer"
)

type Options struct {
	// Sampling for the chatty events; 0/1 = log all.
	EvictedEvery          uint64
	WriteBackSkippedEvery uint64
	// Redact ids before logging. Nil logs ids as they are; see SHA256Prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	evictedCtr atomic.Uint64
	skippedCtr atomic.Uint64
}

var _ kvlayer.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

// SHA256Prefix is a Redact func keeping the first 8 bytes of the id's hash.
func SHA256Prefix(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}

func (h *Hooks) redact(id string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(id)
	}
	return id
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n <= 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CacheWriteFailed(store, id, op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("kvlayer.cache_write_failed",
		"store", store,
		"id", h.redact(id),
		"op", op,
		"err", err)
}

func (h *Hooks) WriteBackSkipped(store, id string) {
	if h.l == nil || !sample(h.opts.WriteBackSkippedEvery, &h.skippedCtr) {
		return
	}
	h.l.Debug("kvlayer.write_back_skipped",
		"store", store,
		"id", h.redact(id))
}

func (h *Hooks) Evicted(store, id string, bytes int64) {
	if h.l == nil || !sample(h.opts.EvictedEvery, &h.evictedCtr) {
		return
	}
	h.l.Info("kvlayer.evicted",
		"store", store,
		"id", h.redact(id),
		"bytes", bytes)
}

func (h *Hooks) SizeInvalidated(store, reason string) {
	if h.l == nil {
		return
	}
	h.l.Warn("kvlayer.size_invalidated",
		"store", store,
		"reason", reason)
}

func (h *Hooks) IndexLineSkipped(path string, line int, reason string) {
	if h.l == nil {
		return
	}
	h.l.Warn("kvlayer.index_line_skipped",
		"path", path,
		"line", line,
		"reason", reason)
}
