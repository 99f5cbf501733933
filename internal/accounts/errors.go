package accounts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoAccounts is returned when the pool is empty
	ErrNoAccounts = errors.New("no accounts configured; run `codex-proxy login` first")
	// ErrIndexOutOfRange is returned for an invalid account index
	ErrIndexOutOfRange = errors.New("account index out of range")
	// ErrAccountGone is returned when an account was removed while a request held it
	ErrAccountGone = errors.New("account no longer in pool")
)

// NoEligibleError is returned when every account is excluded for the requested family
type NoEligibleError struct {
	Family string
	Model  string
	Wait   time.Duration
}

func (e *NoEligibleError) Error() string {
	if e.Wait > 0 {
		return fmt.Sprintf("all accounts are rate-limited or unavailable for %s; retry in %s", e.Family, e.Wait.Round(time.Second))
	}
	return fmt.Sprintf("no eligible account for %s", e.Family)
}
