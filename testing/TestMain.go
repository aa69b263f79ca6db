package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("GOVERNANCE_TEST_MODE", "1")
		if os.Getenv("PERMISSIONS_DEBOUNCE") == "" {
			_ = os.Setenv("PERMISSIONS_DEBOUNCE", "20ms")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
