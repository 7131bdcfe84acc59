// Package testutil holds helpers for tests that need external services
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// DatabaseURL returns the postgres URL for integration tests, skipping the test
// when none is configured. TEST_DATABASE_URL in the environment wins over the
// same key in the nearest .env.test file.
func DatabaseURL(t *testing.T) string {
	t.Helper()

	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}

	envPath := findEnvTestFile()
	if envPath == "" {
		t.Skip("TEST_DATABASE_URL not set and no .env.test found")
	}

	envMap, err := godotenv.Read(envPath)
	if err != nil {
		t.Skipf("failed to read %s: %v", envPath, err)
	}
	url := envMap["TEST_DATABASE_URL"]
	if url == "" {
		t.Skipf("%s has no TEST_DATABASE_URL", envPath)
	}
	return url
}

// findEnvTestFile searches for .env.test in current and parent directories
func findEnvTestFile() string {
	dir, _ := os.Getwd()

	for range 5 {
		envPath := filepath.Join(dir, ".env.test")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
