package service

// IsContextOverflowError reports whether a model-call failure means the
// request no longer fits the model's context window — the one provider
// error the Conversation Loop reacts to itself, by forcing a truncation
// pass and retrying the request once.
func IsContextOverflowError(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err, "", "").Kind == ErrKindOverflow
}
