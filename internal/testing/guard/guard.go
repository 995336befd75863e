// Package guard flips LEDGER_TEST_MODE on for any test binary importing it,
// so app.InTestMode skips Redis and Postgres startup side effects.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("LEDGER_TEST_MODE") == "" {
			_ = os.Setenv("LEDGER_TEST_MODE", "1")
		}
	})
}
