package kvlayer

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; they run on hot paths.
type Hooks interface {
	// A best-effort cache write failed. op ∈ {"put", "update", "delete", "write_back", "warm"}.
	CacheWriteFailed(store, id, op string, err error)

	// A background write-back was dropped because id was mutated meanwhile.
	WriteBackSkipped(store, id string)

	// An item was removed to stay under capacity.
	Evicted(store, id string, bytes int64)

	// The aggregate size left the known state.
	// reason ∈ {"write_failed", "delete_failed", "unknown_prior_size", "size_func", "recompute_failed", "negative_total"}
	SizeInvalidated(store, reason string)

	// A line of a log store index was not loadable.
	IndexLineSkipped(path string, line int, reason string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) CacheWriteFailed(string, string, string, error) {}
func (NopHooks) WriteBackSkipped(string, string)                {}
func (NopHooks) Evicted(string, string, int64)                  {}
func (NopHooks) SizeInvalidated(string, string)                 {}
func (NopHooks) IndexLineSkipped(string, int, string)           {}
