//go:build integration
// +build integration

// Package testhelpers reads integration test settings from the environment. Each helper skips the
// calling test when its backend is not configured. It imports no service packages so any package's
// tests can use it.
package testhelpers

import (
	"net"
	"os"
	"testing"
	"time"
)

// WAQIToken returns WAQI_TOKEN or skips the test.
func WAQIToken(t *testing.T) string {
	t.Helper()
	token := os.Getenv("WAQI_TOKEN")
	if token == "" {
		t.Skip("WAQI_TOKEN not set, skipping integration test")
	}
	return token
}

// PostgresURL returns POSTGRES_TEST_URL or skips the test.
func PostgresURL(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_URL")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_URL not set, skipping integration test")
	}
	return dsn
}

// MemcachedAddr returns MEMCACHED_ADDRS (default localhost:11211), skipping the test when
// nothing accepts connections there.
func MemcachedAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("MEMCACHED_ADDRS")
	if addr == "" {
		addr = "localhost:11211"
	}
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		t.Skipf("memcached not reachable at %s: %v", addr, err)
	}
	_ = conn.Close()
	return addr
}
