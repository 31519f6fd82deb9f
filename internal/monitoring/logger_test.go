package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	// Save original logger
	original := Logf
	defer func() { Logf = original }()

	// Test setting a custom logger
	called := false
	customLogger := func(format string, v ...interface{}) {
		called = true
	}

	SetLogger(customLogger)
	Logf("test message")

	if !called {
		t.Error("Custom logger was not called")
	}

	// Test setting nil logger (should create no-op)
	SetLogger(nil)
	// This should not panic
	Logf("test message")

	// Verify the logger is a no-op by checking it doesn't panic
	// and doesn't call anything
	noOpCalled := false
	testLogger := func(format string, v ...interface{}) {
		noOpCalled = true
	}
	SetLogger(testLogger)
	// First verify our test logger works
	Logf("test")
	if !noOpCalled {
		t.Error("Test logger should have been called")
	}

	// Now set to nil and verify it doesn't call our logger
	noOpCalled = false
	SetLogger(nil)
	Logf("test")
	if noOpCalled {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_Default(t *testing.T) {
	// Test that Logf is not nil by default
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}

	// Test that we can call it without panic
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked: %v", r)
		}
	}()

	Logf("test message: %s", "value")
}

func TestWarnfPrefix(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Warnf("nodes not ordered in z at %d", 3)
	if got != "warning: nodes not ordered in z at 3" {
		t.Errorf("unexpected warning text %q", got)
	}
}

func TestDebugfVerbosity(t *testing.T) {
	original := Logf
	originalLevel := Verbosity()
	defer func() {
		Logf = original
		SetVerbosity(originalLevel)
	}()

	calls := 0
	SetLogger(func(format string, v ...interface{}) { calls++ })

	SetVerbosity(0)
	Debugf(1, "hidden")
	if calls != 0 {
		t.Fatalf("Debugf printed at verbosity 0")
	}

	SetVerbosity(2)
	Debugf(1, "shown")
	Debugf(2, "shown")
	Debugf(3, "hidden")
	if calls != 2 {
		t.Errorf("expected 2 debug lines at verbosity 2, got %d", calls)
	}
	if Verbosity() != 2 {
		t.Errorf("Verbosity() = %d, want 2", Verbosity())
	}
}
