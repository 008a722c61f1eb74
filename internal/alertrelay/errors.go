package alertrelay

import "errors"

var (
	ErrBadPayload        = errors.New("bad payload")
	ErrUnknownToken      = errors.New("token not found")
	ErrUserNotConfigured = errors.New("user not configured")
	ErrNotConfigured     = errors.New("no installation can reach destination")
	ErrCredentialExpired = errors.New("credential expired")
	ErrPrivateChannel    = errors.New("private channel, bot is not a member")
	ErrChannelNotFound   = errors.New("channel not found")
	ErrInvalidInput      = errors.New("invalid input")
)

// ResolutionFailure is returned by the credential resolver when no usable
// credential exists for a destination. Reason is either "token_expired"
// (the owning installation's credential is irrecoverably dead and has been
// purged) or "not_configured" (no installation can see the channel).
type ResolutionFailure struct {
	Reason      string
	WorkspaceID string
}

func (e *ResolutionFailure) Error() string {
	if e.WorkspaceID != "" {
		return "credential resolution failed: " + e.Reason + " (workspace " + e.WorkspaceID + ")"
	}
	return "credential resolution failed: " + e.Reason
}

func (e *ResolutionFailure) Is(target error) bool {
	switch e.Reason {
	case "token_expired":
		return target == ErrCredentialExpired
	case "not_configured":
		return target == ErrNotConfigured
	}
	return false
}
