// Package retention implements the bounded, lazy cleanup pass run before
// every read: prune short, duplicate, and stale messages. The original
// thresholds are aggressive and lossy, so this implementation makes every
// threshold a configuration knob, defaults them conservatively (pruning
// disabled), and only reproduces the original behavior when the Config
// returned by LegacyBugCompatible is passed in.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adamavenir/broker/internal/store"
)

// Config controls what gets pruned before a read.
type Config struct {
	// MinContentLen, if > 0, deletes messages whose content is shorter than
	// this many characters.
	MinContentLen int
	// DedupeWindow, if true, deletes duplicate (content, sender) pairs,
	// keeping only the most recently inserted row.
	DedupeWindow bool
	// MaxAge, if > 0, deletes messages older than this duration.
	MaxAge time.Duration
}

// Default returns the conservative, non-destructive configuration: all
// pruning disabled. Safe for production use without surprising deletions of
// short replies.
func Default() Config {
	return Config{}
}

// LegacyBugCompatible reproduces the original system's aggressive retention
// exactly: messages under 20 characters, de-duplicated (content, sender)
// pairs, and anything older than one hour, all pruned before every read.
// Only opt into this for bug-compatibility with the original deployment;
// new deployments should use Default and tune explicitly.
func LegacyBugCompatible() Config {
	return Config{
		MinContentLen: 20,
		DedupeWindow:  true,
		MaxAge:        time.Hour,
	}
}

// Prune runs the configured cleanup passes in a single transaction, mirroring
// the original's cleanup_messages(): short-message floor, then duplicate
// (content, sender) pairs keeping the newest, then the rolling age window.
// A zero-value Config is a no-op.
func Prune(ctx context.Context, st *store.Store, cfg Config) error {
	if cfg.MinContentLen <= 0 && !cfg.DedupeWindow && cfg.MaxAge <= 0 {
		return nil
	}

	return st.WithTx(ctx, func(tx store.DBTX) error {
		if cfg.MinContentLen > 0 {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM messages WHERE length(content) < ?", cfg.MinContentLen,
			); err != nil {
				return fmt.Errorf("prune short messages: %w", err)
			}
		}

		if cfg.DedupeWindow {
			// Keep only the highest-rowid (most recently inserted) row per
			// (content, sender) pair.
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM messages
				WHERE rowid NOT IN (
					SELECT MAX(rowid) FROM messages GROUP BY content, sender
				)
			`); err != nil {
				return fmt.Errorf("prune duplicate messages: %w", err)
			}
		}

		if cfg.MaxAge > 0 {
			cutoff := time.Now().Add(-cfg.MaxAge).Unix()
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM messages WHERE timestamp < ?", cutoff,
			); err != nil {
				return fmt.Errorf("prune stale messages: %w", err)
			}
		}

		return nil
	})
}
