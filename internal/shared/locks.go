package shared

import (
	"fmt"
	"hash/fnv"
)

// FinanceLockKey builds the name of the critical section guarding a company's period calendar.
func FinanceLockKey(companyID int64) string {
	return fmt.Sprintf("finance:company:%d:periods", companyID)
}

// AdvisoryLockID folds a lock key into the int64 space used by pg_advisory_xact_lock.
func AdvisoryLockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
