package recovery

// FailureCategory decides how the runner treats a block-processing error.
type FailureCategory int

const (
	// CategoryTransient errors come from I/O (endpoint, content fetch, store)
	// and are retried with backoff until they clear.
	CategoryTransient FailureCategory = iota
	// CategoryDeterministic errors come from the mapping itself (fuel,
	// timeout, handler abort) and are retried a bounded number of times.
	CategoryDeterministic
	// CategoryFatal errors halt the deployment immediately.
	CategoryFatal
)

func (c FailureCategory) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryDeterministic:
		return "deterministic"
	case CategoryFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classifier maps an error to its category.
type Classifier func(err error) FailureCategory
