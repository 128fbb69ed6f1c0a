package notify

import "fmt"

// ChannelRegistrationError reports that the provider refused to create a
// channel. The manager stays unregistered and does not retry.
type ChannelRegistrationError struct {
	WebhookURL string
	Err        error
}

func (e *ChannelRegistrationError) Error() string {
	return fmt.Sprintf("channel registration for %s failed: %v", e.WebhookURL, e.Err)
}

func (e *ChannelRegistrationError) Unwrap() error { return e.Err }
