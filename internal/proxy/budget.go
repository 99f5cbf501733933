package proxy

// Category is a retry budget bucket
type Category string

const (
	CategoryAuthRefresh     Category = "auth-refresh"
	CategoryNetwork         Category = "network"
	CategoryServer          Category = "server"
	CategoryRateLimitShort  Category = "rate-limit-short"
	CategoryRateLimitGlobal Category = "rate-limit-global"
	CategoryEmptyResponse   Category = "empty-response"
)

// budget tracks remaining retries for one request
type budget struct {
	remaining map[Category]int
}

func newBudget(b Budgets, globalWaits int) *budget {
	return &budget{remaining: map[Category]int{
		CategoryAuthRefresh:     b.AuthRefresh,
		CategoryNetwork:         b.Network,
		CategoryServer:          b.Server,
		CategoryRateLimitShort:  b.RateLimitShort,
		CategoryRateLimitGlobal: globalWaits,
		CategoryEmptyResponse:   b.EmptyResponse,
	}}
}

// take consumes one retry; false when the category is exhausted
func (b *budget) take(c Category) bool {
	if b.remaining[c] <= 0 {
		return false
	}
	b.remaining[c]--
	return true
}
