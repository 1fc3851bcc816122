package apns

// Response is the complete accounting of one send call: every token
// attempted, every failure and its cause. It is built incrementally across
// resend rounds and immutable once returned. Per-notification failures live
// here, never as call errors.
type Response struct {
	// Tokens lists every token attempted, in input order.
	Tokens []string

	// Errors lists the failure for each failed notification, in the order
	// the failures were recorded.
	Errors []error

	// Failures lists the tokens that failed, in input order.
	Failures []string

	// Successes lists the tokens confirmed or presumed delivered, in
	// input order.
	Successes []string

	// TokenErrors maps each failed token to its failure.
	TokenErrors map[string]error

	failed map[int]error
}

func newResponse(tokens []string) *Response {
	return &Response{
		Tokens:      tokens,
		TokenErrors: make(map[string]error),
		failed:      make(map[int]error),
	}
}

// recordFailure marks the notification at index as failed. The first
// recorded outcome for an index is terminal; later records are ignored.
func (r *Response) recordFailure(index int, err error) {
	if index < 0 || index >= len(r.Tokens) {
		return
	}
	if _, dup := r.failed[index]; dup {
		return
	}
	r.failed[index] = err
	r.Errors = append(r.Errors, err)
}

// finalize derives the success/failure views. Tokens without a recorded
// failure were either explicitly confirmed by a later server error (the
// server acknowledges everything before the failing identifier) or sent
// with no error reported within the error timeout.
func (r *Response) finalize() {
	for i, token := range r.Tokens {
		if err, ok := r.failed[i]; ok {
			r.Failures = append(r.Failures, token)
			r.TokenErrors[token] = err
		} else {
			r.Successes = append(r.Successes, token)
		}
	}
}
