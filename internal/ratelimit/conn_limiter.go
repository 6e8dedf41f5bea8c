package ratelimit

// ConnLimits configures a ConnLimiter. Zero values disable the corresponding
// budget.
type ConnLimits struct {
	MessagesPerSecond int64
	MessageBurst      int64
	BytesPerSecond    int64
}

// ConnLimiter enforces per-connection inbound budgets on a realtime listen
// stream: a message count budget and an optional byte budget.
type ConnLimiter struct {
	messages *TokenBucket
	bytes    *TokenBucket
}

func NewConnLimiter(clock Clock, limits ConnLimits) *ConnLimiter {
	l := &ConnLimiter{}
	if limits.MessagesPerSecond > 0 {
		burst := limits.MessageBurst
		if burst <= 0 {
			burst = limits.MessagesPerSecond
		}
		l.messages = NewTokenBucket(clock, burst, limits.MessagesPerSecond)
	}
	if limits.BytesPerSecond > 0 {
		l.bytes = NewTokenBucket(clock, limits.BytesPerSecond, limits.BytesPerSecond)
	}
	return l
}

// AllowMessage reports whether one inbound message of n bytes fits in the
// remaining budget. A nil limiter allows everything.
func (l *ConnLimiter) AllowMessage(n int) bool {
	if l == nil {
		return true
	}
	if l.messages != nil && !l.messages.Allow(1) {
		return false
	}
	if l.bytes != nil && !l.bytes.Allow(int64(n)) {
		return false
	}
	return true
}
