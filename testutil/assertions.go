// Package testutil provides shared assertion helpers for voxlog tests.
package testutil

import (
	"strings"
	"testing"
	"time"
)

// AssertEqual checks if two values are equal
func AssertEqual(t *testing.T, expected, actual interface{}, msg string) {
	t.Helper()
	if expected != actual {
		t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertTrue checks if a condition is true
func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Fatalf("%s: expected true, got false", msg)
	}
}

// AssertFalse checks if a condition is false
func AssertFalse(t *testing.T, condition bool, msg string) {
	t.Helper()
	if condition {
		t.Fatalf("%s: expected false, got true", msg)
	}
}

// AssertNoError checks if an error is nil
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

// AssertError checks if an error is not nil
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected an error but got nil", msg)
	}
}

// AssertErrorContains checks if an error contains a specific substring
func AssertErrorContains(t *testing.T, err error, substr string, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected an error but got nil", msg)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("%s: error %q does not contain %q", msg, err.Error(), substr)
	}
}

// AssertStringContains checks if a string contains a substring
func AssertStringContains(t *testing.T, str, substr string, msg string) {
	t.Helper()
	if !strings.Contains(str, substr) {
		t.Fatalf("%s: string %q does not contain %q", msg, str, substr)
	}
}

// AssertInRange checks if a value is within a range
func AssertInRange(t *testing.T, value, min, max float64, msg string) {
	t.Helper()
	if value < min || value > max {
		t.Fatalf("%s: value %v not in range [%v, %v]", msg, value, min, max)
	}
}

// WithinDuration checks if a duration is within expected range
func WithinDuration(t *testing.T, actual, expected, tolerance time.Duration, msg string) {
	t.Helper()
	diff := actual - expected
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Fatalf("%s: duration %v not within %v of expected %v (diff: %v)",
			msg, actual, tolerance, expected, diff)
	}
}

// AssertEventually checks if a condition becomes true within timeout
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, interval time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(interval)
	}
	t.Fatalf("%s: condition did not become true within %v", msg, timeout)
}

// AssertNever checks that a condition stays false for the whole window
func AssertNever(t *testing.T, condition func() bool, window time.Duration, interval time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if condition() {
			t.Fatalf("%s: condition became true", msg)
		}
		time.Sleep(interval)
	}
}
