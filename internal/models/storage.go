package models

// 存储格式版本
const (
	AccountStorageVersion = 3
	FlaggedStorageVersion = 1
)

// AccountStorage is the persisted pool (version 3)
type AccountStorage struct {
	Version             int            `json:"version"`
	Accounts            []Account      `json:"accounts"`
	ActiveIndex         int            `json:"activeIndex"`
	ActiveIndexByFamily map[string]int `json:"activeIndexByFamily,omitempty"`
}

// AccountV1 is a version 1 account with a single reset time
type AccountV1 struct {
	Account
	RateLimitResetTime int64 `json:"rateLimitResetTime,omitempty"`
}

// AccountStorageV1 is the legacy persisted pool
type AccountStorageV1 struct {
	Version     int         `json:"version"`
	Accounts    []AccountV1 `json:"accounts"`
	ActiveIndex int         `json:"activeIndex"`
}

// FlaggedAccount is an account removed from rotation but kept for restore
type FlaggedAccount struct {
	Account
	FlaggedAt     int64  `json:"flaggedAt"`
	FlaggedReason string `json:"flaggedReason,omitempty"`
	LastError     string `json:"lastError,omitempty"`
}

// FlaggedAccountStorage is the persisted flagged list (version 1)
type FlaggedAccountStorage struct {
	Version  int              `json:"version"`
	Accounts []FlaggedAccount `json:"accounts"`
}

// Clone deep-copies the storage
func (s *AccountStorage) Clone() *AccountStorage {
	if s == nil {
		return nil
	}
	out := &AccountStorage{
		Version:     s.Version,
		ActiveIndex: s.ActiveIndex,
		Accounts:    make([]Account, len(s.Accounts)),
	}
	for i := range s.Accounts {
		out.Accounts[i] = s.Accounts[i].Clone()
	}
	if s.ActiveIndexByFamily != nil {
		out.ActiveIndexByFamily = make(map[string]int, len(s.ActiveIndexByFamily))
		for k, v := range s.ActiveIndexByFamily {
			out.ActiveIndexByFamily[k] = v
		}
	}
	return out
}
