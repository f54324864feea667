package kernel

import (
	"log/slog"
	"os"
)

// Config configures a Kernel at construction time. There is no env/file
// parsing layer (spec §6 treats CLI/compiler integration as out of scope;
// this runtime is an embeddable library, not a standalone process) —
// grounded on DSTConfig in SPEC_FULL.md §1.3, a plain struct passed
// directly to a constructor.
type Config struct {
	// DefaultPortCapacityHint is the capacity hint port.New callers should
	// use absent a reason to pick a different one; exposed to task code
	// via Context.DefaultPortCapacityHint so a port's buffer sizing isn't
	// a literal baked into every call site.
	DefaultPortCapacityHint int

	// RNGSeed seeds every worker's picking/polling PRNG. Zero means
	// "derive a seed from the kernel's creation order", which is
	// deterministic enough for tests but not meant to be secure.
	RNGSeed uint64

	// Logger receives structured diagnostics (worker lifecycle, kernel
	// failure broadcasts). Defaults to slog.Default() when nil.
	Logger *slog.Logger
}

// DefaultConfig returns a zero-value-safe Config.
func DefaultConfig() Config {
	return Config{
		DefaultPortCapacityHint: 16,
		RNGSeed:                 0,
		Logger:                  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
}
