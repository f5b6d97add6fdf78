package app

import (
	"testing"

	_ "github.com/odyssey-erp/periodguard/internal/testing/guard"
)

func TestInTestModeFollowsEnvironment(t *testing.T) {
	RefreshTestMode()
	if !InTestMode() {
		t.Fatal("expected test mode from guard package")
	}

	t.Cleanup(RefreshTestMode)
	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	if InTestMode() {
		t.Fatal("expected test mode disabled")
	}
}
