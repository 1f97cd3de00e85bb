package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	HintMemory       = "memory"
	HintLocal        = "local"
	HintMobileSecure = "mobile-secure"
	HintEmbedded     = "embedded"
)

// runtimeGOOS is swapped in tests to exercise platform probing.
var runtimeGOOS = runtime.GOOS

type ResolveOptions struct {
	// Hint forces a backend family. An unrecognized value is a
	// configuration error, not a silent fallback.
	Hint string
	// DSN overrides both hint and probing when set.
	DSN string
	// DataDir is where file-backed engines live. Setting it explicitly is
	// the embedded-desktop marker for probing.
	DataDir   string
	SecureKey []byte
	Logf      Logf
}

type candidate struct {
	name  string
	probe func() bool
	build func() (Engine, error)
}

// Resolve picks one storage engine for the lifetime of a store instance and
// wraps it in the never-fail guard. Candidates are evaluated top-down; a
// probe or constructor failure moves on to the next candidate and never
// propagates.
func Resolve(opts ResolveOptions) (Engine, string, error) {
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	if engine, name, err := BuildEngineFromDSN(opts.DSN, logf); err != nil {
		return nil, "", err
	} else if engine != nil {
		return Guard(engine, name, logf), name, nil
	}

	var candidates []candidate
	if hint := strings.TrimSpace(opts.Hint); hint != "" {
		chain, err := hintCandidates(hint, opts, logf)
		if err != nil {
			return nil, "", err
		}
		candidates = chain
	} else {
		candidates = probeCandidates(opts, logf)
	}
	for _, c := range candidates {
		if !safeProbe(c, logf) {
			continue
		}
		engine, err := safeBuild(c, logf)
		if err != nil {
			logf("storage resolver: %s unavailable: %v", c.name, err)
			continue
		}
		return Guard(engine, c.name, logf), c.name, nil
	}
	// Unreachable in practice: the memory candidate cannot fail.
	return Guard(NewMemoryEngine(), "memory", logf), "memory", nil
}

func hintCandidates(hint string, opts ResolveOptions, logf Logf) ([]candidate, error) {
	switch strings.ToLower(hint) {
	case HintMemory:
		return []candidate{memoryCandidate()}, nil
	case HintLocal:
		return []candidate{fileCandidate(opts, logf), memoryCandidate()}, nil
	case HintMobileSecure:
		return []candidate{secureCandidate(opts), fileCandidate(opts, logf), memoryCandidate()}, nil
	case HintEmbedded:
		return []candidate{sqliteCandidate(opts), memoryCandidate()}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHint, hint)
	}
}

func probeCandidates(opts ResolveOptions, logf Logf) []candidate {
	embedded := sqliteCandidate(opts)
	embedded.probe = func() bool { return !mobileRuntime() && strings.TrimSpace(opts.DataDir) != "" }

	mobile := secureCandidate(opts)
	mobile.probe = mobileRuntime

	local := fileCandidate(opts, logf)
	buildFile := local.build
	local.build = func() (Engine, error) {
		engine, err := buildFile()
		if err != nil {
			return nil, err
		}
		if err := sentinelCheck(engine); err != nil {
			_ = CloseEngine(engine)
			return nil, err
		}
		return engine, nil
	}

	return []candidate{embedded, mobile, local, memoryCandidate()}
}

func memoryCandidate() candidate {
	return candidate{
		name:  "memory",
		probe: func() bool { return true },
		build: func() (Engine, error) { return NewMemoryEngine(), nil },
	}
}

func fileCandidate(opts ResolveOptions, logf Logf) candidate {
	return candidate{
		name:  "file",
		probe: func() bool { return true },
		build: func() (Engine, error) {
			dir, err := resolveDataDir(opts.DataDir)
			if err != nil {
				return nil, err
			}
			return NewFileEngine(filepath.Join(dir, "state.json"), logf)
		},
	}
}

func secureCandidate(opts ResolveOptions) candidate {
	return candidate{
		name:  "secure",
		probe: func() bool { return true },
		build: func() (Engine, error) {
			dir, err := resolveDataDir(opts.DataDir)
			if err != nil {
				return nil, err
			}
			return NewSecureFileEngine(filepath.Join(dir, "state.sec"), opts.SecureKey)
		},
	}
}

func sqliteCandidate(opts ResolveOptions) candidate {
	return candidate{
		name:  "sqlite",
		probe: func() bool { return true },
		build: func() (Engine, error) {
			dir, err := resolveDataDir(opts.DataDir)
			if err != nil {
				return nil, err
			}
			return NewSQLiteEngine(filepath.Join(dir, "state.db"))
		},
	}
}

func mobileRuntime() bool {
	return runtimeGOOS == "android" || runtimeGOOS == "ios"
}

// sentinelCheck is the local-storage capability test: a backend counts as
// usable only if a sentinel key survives a write and a delete.
func sentinelCheck(engine Engine) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	const sentinel = "statesync.probe"
	if err := engine.SetItem(ctx, sentinel, "1"); err != nil {
		return err
	}
	return engine.RemoveItem(ctx, sentinel)
}

func resolveDataDir(dataDir string) (string, error) {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		dataDir = filepath.Join(base, "statesync")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	return dataDir, nil
}

func safeProbe(c candidate, logf Logf) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logf("storage resolver: %s probe panicked: %v", c.name, r)
			ok = false
		}
	}()
	return c.probe()
}

func safeBuild(c candidate, logf Logf) (engine Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			logf("storage resolver: %s constructor panicked: %v", c.name, r)
			engine, err = nil, fmt.Errorf("%w: constructor panicked", ErrUnavailable)
		}
	}()
	return c.build()
}
