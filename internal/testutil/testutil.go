// Package testutil provisions Postgres and Redis for integration tests.
//
// Each backing service comes from an environment variable (POSTGRES_URL,
// REDIS_URL). When the variable is unset and TESTCONTAINERS=1, a throwaway
// container is started once per test binary and reaped when it exits.
// Otherwise the calling test is skipped.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// lazyURL starts a container at most once and remembers its URL or error.
type lazyURL struct {
	once sync.Once
	url  string
	err  error
}

func (l *lazyURL) get(start func(context.Context) (string, error)) (string, error) {
	l.once.Do(func() { l.url, l.err = start(context.Background()) })
	return l.url, l.err
}

// resolve returns the URL from env, a container, or skips the test.
func resolve(t *testing.T, env string, l *lazyURL, start func(context.Context) (string, error)) string {
	t.Helper()
	if url := os.Getenv(env); url != "" {
		return url
	}
	if os.Getenv("TESTCONTAINERS") != "1" {
		t.Skipf("%s not set and TESTCONTAINERS != 1, skipping integration test", env)
	}
	url, err := l.get(start)
	if err != nil {
		t.Fatalf("testutil: start container for %s: %v", env, err)
	}
	return url
}

// repoDir walks up from the working directory to the first directory that
// contains name.
func repoDir(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("testutil: getwd: %v", err)
	}
	for {
		if fi, err := os.Stat(filepath.Join(dir, name)); err == nil && fi.IsDir() {
			return filepath.Join(dir, name)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("testutil: no %s/ directory above the working directory", name)
		}
		dir = parent
	}
}
