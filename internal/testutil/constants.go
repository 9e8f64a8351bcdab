// Package testutil provides shared test helpers for steward tests.
package testutil

// TestSigningKey is HMAC key material for tests only.
const TestSigningKey = "test-signing-key-1234567890123456"
