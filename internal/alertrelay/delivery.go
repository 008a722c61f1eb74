package alertrelay

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alertops/alertrelay/internal/platform"
)

// Deliverer runs the per-alert pipeline: resolve token, resolve
// destination, resolve credential, check access, send. Failure transitions
// with side effects (join-then-retry, clearing a stale destination, purging
// an expired installation) are explicit here rather than buried in error
// handling.
type Deliverer struct {
	store    *Store
	resolver *Resolver
	api      PlatformAPI
	logger   *slog.Logger
}

type DelivererOptions struct {
	Store    *Store
	Resolver *Resolver
	API      PlatformAPI
	Logger   *slog.Logger
}

func NewDeliverer(opts DelivererOptions) *Deliverer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		store:    opts.Store,
		resolver: opts.Resolver,
		api:      opts.API,
		logger:   logger,
	}
}

// DeliveryResult reports a successful post.
type DeliveryResult struct {
	User      string `json:"user"`
	Channel   string `json:"channel"`
	MessageID string `json:"messageId"`
}

// Deliver routes one inbound alert addressed by webhook token. The returned
// error is one of the package sentinels (possibly wrapped), so callers can
// map it to a response code with errors.Is.
func (d *Deliverer) Deliver(ctx context.Context, token string, alert ParsedAlert) (DeliveryResult, error) {
	deliveryID := uuid.NewString()
	logger := d.logger.With("delivery", deliveryID)

	userID, ok := d.store.ResolveUser(token)
	if !ok {
		return DeliveryResult{}, ErrUnknownToken
	}
	dest, ok := d.store.Destination(userID)
	if !ok || dest.ChannelID == "" {
		return DeliveryResult{}, ErrUserNotConfigured
	}
	logger = logger.With("user", userID, "channel", dest.ChannelID)

	resolved, err := d.resolver.Resolve(ctx, userID, dest)
	if err != nil {
		logger.Warn("credential resolution failed", "error", err)
		return DeliveryResult{}, err
	}

	access, err := d.resolver.CheckAccess(ctx, resolved.Credential, dest.ChannelID)
	if err != nil {
		if platform.IsCredentialExpired(err) {
			return DeliveryResult{}, d.expireWorkspace(resolved.WorkspaceID)
		}
		logger.Warn("access check failed, attempting send anyway", "error", err)
		access = Access{Accessible: true}
	}
	switch {
	case access.Accessible:
	case access.Reason == "private_not_member":
		// Requires a human invite; the destination stays untouched.
		return DeliveryResult{}, ErrPrivateChannel
	case access.Reason == "channel_not_found":
		if err := d.api.JoinChannel(ctx, resolved.Credential, dest.ChannelID); err != nil {
			d.clearDestination(userID, dest, logger)
			return DeliveryResult{}, ErrChannelNotFound
		}
	}

	messageID, err := d.send(ctx, resolved, userID, dest, alert, logger)
	if err != nil {
		return DeliveryResult{}, err
	}
	logger.Info("alert delivered", "message", messageID)
	return DeliveryResult{User: userID, Channel: dest.ChannelID, MessageID: messageID}, nil
}

// send posts the alert, auto-joining and retrying once when the bot is not
// yet a member of a public channel. Credential expiry at this late stage is
// handled the same as during resolution: purge and report.
func (d *Deliverer) send(ctx context.Context, resolved ResolvedCredential, userID string, dest Destination, alert ParsedAlert, logger *slog.Logger) (string, error) {
	text := alert.RenderText()
	messageID, err := d.api.PostMessage(ctx, resolved.Credential, dest.ChannelID, text)
	if err != nil && platform.IsNotInChannel(err) {
		if joinErr := d.api.JoinChannel(ctx, resolved.Credential, dest.ChannelID); joinErr != nil {
			d.clearDestination(userID, dest, logger)
			return "", ErrChannelNotFound
		}
		messageID, err = d.api.PostMessage(ctx, resolved.Credential, dest.ChannelID, text)
	}
	if err == nil {
		return messageID, nil
	}
	// Both the first attempt and the post-join retry classify the same way;
	// a credential can expire between any two of these calls.
	if platform.IsCredentialExpired(err) {
		return "", d.expireWorkspace(resolved.WorkspaceID)
	}
	if platform.IsChannelNotFound(err) {
		d.clearDestination(userID, dest, logger)
		return "", ErrChannelNotFound
	}
	return "", err
}

// expireWorkspace purges the installation and returns the terminal
// credential-expired failure.
func (d *Deliverer) expireWorkspace(workspaceID string) error {
	if workspaceID == "" {
		return &ResolutionFailure{Reason: "token_expired"}
	}
	if err := d.store.Update("purge expired installation", func(doc *Document) {
		delete(doc.Installations, workspaceID)
	}); err != nil {
		d.logger.Warn("failed to persist installation purge", "workspace", workspaceID, "error", err)
	}
	return &ResolutionFailure{Reason: "token_expired", WorkspaceID: workspaceID}
}

// clearDestination removes a destination that is confirmed unreachable, so
// the next alert fails fast with user_not_configured instead of repeating
// the same doomed join. Clearing an already-cleared destination is a no-op,
// which keeps concurrent deliveries idempotent.
func (d *Deliverer) clearDestination(userID string, dest Destination, logger *slog.Logger) {
	err := d.store.Update("clear stale destination", func(doc *Document) {
		current, ok := doc.Destinations[userID]
		if !ok || current.ChannelID != dest.ChannelID {
			return
		}
		delete(doc.Destinations, userID)
	})
	if err != nil {
		logger.Warn("failed to persist destination clear", "error", err)
		return
	}
	logger.Info("stale destination cleared")
}
