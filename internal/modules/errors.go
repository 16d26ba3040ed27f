package modules

// LoadingError reports a module that cannot be registered for use. The
// module is excluded; other modules are unaffected.
type LoadingError struct {
	Msg string
}

func (e *LoadingError) Error() string { return e.Msg }

// ProcessingError reports an action invocation whose output cannot be turned
// into an ActionOutcome.
type ProcessingError struct {
	Msg string
}

func (e *ProcessingError) Error() string { return e.Msg }
