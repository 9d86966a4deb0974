package events

// StateChange is the payload of EventTypeStateTransition.
type StateChange struct {
	From   string
	To     string
	Reason string
}

// Retry is the payload of EventTypeMisreadRetry.
type Retry struct {
	Patch   int
	Count   int
	Message string
}

// RetryReset is the payload of EventTypeRetryCounterReset.
type RetryReset struct {
	Patch    int
	Previous int
}

// DisplayMode is the payload of EventTypeDisplayModeChanged.
type DisplayMode struct {
	Passive bool
}
