// Package config reads the workspace engine's tunable knobs from Git
// config (the "gitbutler.*" namespace) with environment variable
// overrides ("GITBUTLER_*"), the way the teacher overlays its own
// config namespace with env vars.
package config

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/gitbutlerapp/but-core/internal/git"
)

// EmptyCommitPolicy controls how the rebase engine treats picks that
// would produce no changes. See spec §4.5.
type EmptyCommitPolicy int

const (
	// EmptyCommitKeep keeps empty commits produced by a pick.
	EmptyCommitKeep EmptyCommitPolicy = iota
	// EmptyCommitUsePrevious reuses the previous commit instead of
	// creating an empty one. This is the default.
	EmptyCommitUsePrevious
)

// PickMode controls whether a no-op pick is applied unconditionally
// or skipped. See spec §4.5.
type PickMode int

const (
	// PickSkipIfNoop skips a pick that would produce no changes.
	// This is the default.
	PickSkipIfNoop PickMode = iota
	// PickUnconditionally always performs the pick, even if it is a
	// no-op.
	PickUnconditionally
)

// WorkspaceMergePolicy controls when the workspace commit is an
// octopus merge vs. a single-parent passthrough. See spec §3
// invariant 3.
type WorkspaceMergePolicy int

const (
	// MergeWhenMultiStack merges only when there are 2 or more
	// applied stacks; a single applied stack produces a single-parent
	// workspace commit.
	MergeWhenMultiStack WorkspaceMergePolicy = iota
	// AlwaysMerge always produces an octopus merge, even for a single
	// applied stack.
	AlwaysMerge
)

// Config holds the resolved configuration knobs for one repository.
type Config struct {
	// SnapshotLargeFileThreshold is the byte size at or above which a
	// conflicted worktree file is left out of a snapshot's conflicts
	// tree rather than being copied into it. See spec §4.7, §9.
	SnapshotLargeFileThreshold int64

	// AutoSnapshotLines is the number of changed lines since the last
	// snapshot that triggers ShouldAutoSnapshot. See spec §4.7.
	AutoSnapshotLines int

	// AutoSnapshotInterval is the elapsed time since the last
	// snapshot that triggers ShouldAutoSnapshot.
	AutoSnapshotInterval time.Duration

	// EmptyCommit is the default empty-commit policy for rebase
	// picks.
	EmptyCommit EmptyCommitPolicy

	// PickMode is the default pick mode for rebase picks.
	PickMode PickMode

	// WorkspaceMerge controls octopus-vs-passthrough workspace commit
	// construction.
	WorkspaceMerge WorkspaceMergePolicy
}

const (
	_defaultSnapshotLargeFileThreshold = 10 * 1024 * 1024 // 10MB, per spec §9
	_defaultAutoSnapshotLines          = 500
	_defaultAutoSnapshotInterval       = 15 * time.Minute
)

// Default returns the configuration with hardcoded defaults, used when
// neither Git config nor environment overrides are present.
func Default() *Config {
	return &Config{
		SnapshotLargeFileThreshold: _defaultSnapshotLargeFileThreshold,
		AutoSnapshotLines:          _defaultAutoSnapshotLines,
		AutoSnapshotInterval:       _defaultAutoSnapshotInterval,
		EmptyCommit:                EmptyCommitUsePrevious,
		PickMode:                   PickSkipIfNoop,
		WorkspaceMerge:             MergeWhenMultiStack,
	}
}

// Load reads configuration for repo, layering Git config
// ("gitbutler.*") over the defaults, and environment variables
// ("GITBUTLER_*") over that.
func Load(ctx context.Context, repo *git.Repository) (*Config, error) {
	cfg := Default()

	gitCfg := repo.Config()

	entries, err := gitCfg.ListRegexp(ctx, "^gitbutler\\.")
	if err != nil {
		return nil, err
	}

	vals := make(map[string]string)
	for entry, err := range entries {
		if err != nil {
			return nil, err
		}
		vals[string(entry.Key.Canonical())] = entry.Value
	}

	apply(cfg, func(key string) (string, bool) {
		v, ok := vals["gitbutler."+key]
		return v, ok
	})

	// Environment overrides Git config, matching the teacher's
	// GS_*-over-spice.* precedence.
	apply(cfg, func(key string) (string, bool) {
		return os.LookupEnv("GITBUTLER_" + envKey(key))
	})

	return cfg, nil
}

func apply(cfg *Config, lookup func(key string) (string, bool)) {
	if v, ok := lookup("snapshotlargefilethreshold"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.SnapshotLargeFileThreshold = n
		}
	}
	if v, ok := lookup("autosnapshotlines"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AutoSnapshotLines = n
		}
	}
	if v, ok := lookup("autosnapshotinterval"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AutoSnapshotInterval = d
		}
	}
	if v, ok := lookup("emptycommit"); ok {
		if v == "keep" {
			cfg.EmptyCommit = EmptyCommitKeep
		}
	}
	if v, ok := lookup("pickmode"); ok {
		if v == "unconditional" {
			cfg.PickMode = PickUnconditionally
		}
	}
	if v, ok := lookup("workspacemerge"); ok {
		if v == "always" {
			cfg.WorkspaceMerge = AlwaysMerge
		}
	}
}

// envKey converts a dotted Git config subkey ("autosnapshotlines")
// into the upper-snake form used for environment variables
// ("AUTOSNAPSHOTLINES"). Git config keys in this package are already
// single words, so the only change is uppercasing ASCII letters.
func envKey(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
