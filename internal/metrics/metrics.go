package metrics

import "sync"

// Event names shared across packages. Callers may also use ad-hoc names; the
// registry does not validate them.
const (
	CallStarted             = "call_started"
	CallAnswered            = "call_answered"
	CallNotFound            = "call_not_found"
	CallAlreadyAnswered     = "call_already_answered"
	CaptureFailed           = "capture_failed"
	AnswerApplied           = "answer_applied"
	AnswerDuplicateIgnored  = "answer_duplicate_ignored"
	RemoteDescriptionFailed = "remote_description_failed"
	CandidatePublished      = "candidate_published"
	CandidatePublishFailed  = "candidate_publish_failed"
	CandidateApplied        = "candidate_applied"
	CandidateApplyFailed    = "candidate_apply_failed"
	ICEConnected            = "ice_connected"

	AuthSignUp         = "auth_signup"
	AuthSignIn         = "auth_signin"
	AuthFailure        = "auth_failure"
	ListenConnections  = "listen_connections"
	ListenRateLimited  = "listen_rate_limited"
	DocumentWrites     = "document_writes"
	DocumentWatches    = "document_watches"
	RuleDenied         = "rule_denied"
	ChatMessagesPosted = "chat_messages_posted"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil receiver so optional metrics can be passed around
// without checks at every call site.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
