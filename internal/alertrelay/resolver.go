package alertrelay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alertops/alertrelay/internal/platform"
)

// PlatformAPI is the slice of the chat-platform client the routing core
// depends on.
type PlatformAPI interface {
	AuthTest(ctx context.Context, credential string) (platform.Identity, error)
	ChannelInfo(ctx context.Context, credential, channelID string) (platform.Channel, error)
	JoinChannel(ctx context.Context, credential, channelID string) error
	PostMessage(ctx context.Context, credential, channelID, text string) (string, error)
	RefreshCredential(ctx context.Context, refreshToken string) (platform.Credential, error)
}

const (
	// Credentials expiring within this buffer are refreshed before use, so
	// one cannot expire between resolution and send.
	credentialExpiryBuffer = 5 * time.Minute
	defaultMaxProbes       = 50
)

type ResolverOptions struct {
	Store  *Store
	API    PlatformAPI
	Logger *slog.Logger
	// MaxProbes caps the probe loop for deployments with many workspaces.
	MaxProbes int
	// DefaultCredential is a statically configured bot credential tried as
	// the final probe candidate. It has no installation record and is never
	// persisted or refreshed.
	DefaultCredential string
	Now               func() time.Time
}

// Resolver decides which installation credential can deliver to a
// destination, refreshing or purging credentials along the way.
type Resolver struct {
	store             *Store
	api               PlatformAPI
	logger            *slog.Logger
	maxProbes         int
	defaultCredential string
	now               func() time.Time
}

func NewResolver(opts ResolverOptions) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxProbes := opts.MaxProbes
	if maxProbes <= 0 {
		maxProbes = defaultMaxProbes
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		store:             opts.Store,
		api:               opts.API,
		logger:            logger,
		maxProbes:         maxProbes,
		defaultCredential: opts.DefaultCredential,
		now:               now,
	}
}

type ResolvedCredential struct {
	Credential  string
	WorkspaceID string
}

// Resolve finds a usable credential for the destination: direct workspace
// lookup first, then probing every known installation against the channel.
// userID is the destination's owner, used to persist a workspace id
// discovered by probing.
func (r *Resolver) Resolve(ctx context.Context, userID string, dest Destination) (ResolvedCredential, error) {
	if dest.WorkspaceID != "" {
		if inst, ok := r.store.Installation(dest.WorkspaceID); ok {
			// Failures here are terminal: resolveInstallation purges any
			// installation it cannot recover. Only a missing installation
			// falls through to the probe.
			return r.resolveInstallation(ctx, inst)
		}
	}
	return r.probe(ctx, userID, dest)
}

// resolveInstallation returns a live credential for one installation:
// proactive refresh near expiry, then a liveness check, then one
// refresh-and-retry on an expired classification. An installation whose
// credential cannot be recovered is purged.
func (r *Resolver) resolveInstallation(ctx context.Context, inst Installation) (ResolvedCredential, error) {
	inst, err := r.ensureFresh(ctx, inst)
	if err != nil {
		return ResolvedCredential{}, err
	}
	if _, err := r.api.AuthTest(ctx, inst.BotCredential.Token); err != nil {
		if !platform.IsCredentialExpired(err) {
			// The send attempt is the authoritative check; proceed.
			r.logger.Warn("credential liveness check failed, proceeding",
				"workspace", inst.WorkspaceID, "error", err)
			return ResolvedCredential{Credential: inst.BotCredential.Token, WorkspaceID: inst.WorkspaceID}, nil
		}
		refreshed, refreshErr := r.refreshInstallation(ctx, inst)
		if refreshErr != nil {
			return ResolvedCredential{}, r.purge(inst.WorkspaceID)
		}
		if _, err := r.api.AuthTest(ctx, refreshed.BotCredential.Token); err != nil && platform.IsCredentialExpired(err) {
			return ResolvedCredential{}, r.purge(inst.WorkspaceID)
		}
		inst = refreshed
	}
	return ResolvedCredential{Credential: inst.BotCredential.Token, WorkspaceID: inst.WorkspaceID}, nil
}

// ensureFresh refreshes a credential whose recorded expiry is inside the
// buffer. Refresh failure at this point means the installation is dead.
func (r *Resolver) ensureFresh(ctx context.Context, inst Installation) (Installation, error) {
	expiresAt := inst.BotCredential.ExpiresAt
	if expiresAt == 0 || expiresAt-r.now().Unix() > int64(credentialExpiryBuffer/time.Second) {
		return inst, nil
	}
	refreshed, err := r.refreshInstallation(ctx, inst)
	if err != nil {
		return Installation{}, r.purge(inst.WorkspaceID)
	}
	return refreshed, nil
}

// refreshInstallation exchanges the refresh credential and persists the
// rotated installation.
func (r *Resolver) refreshInstallation(ctx context.Context, inst Installation) (Installation, error) {
	if inst.BotCredential.RefreshToken == "" {
		return Installation{}, errors.New("no refresh credential")
	}
	cred, err := r.api.RefreshCredential(ctx, inst.BotCredential.RefreshToken)
	if err != nil {
		return Installation{}, err
	}
	updated := inst
	updated.BotCredential.Token = cred.Token
	if cred.RefreshToken != "" {
		updated.BotCredential.RefreshToken = cred.RefreshToken
	}
	if cred.ExpiresIn > 0 {
		updated.BotCredential.ExpiresAt = r.now().Unix() + cred.ExpiresIn
	}
	if err := r.store.Update("rotate workspace credential", func(doc *Document) {
		if _, ok := doc.Installations[updated.WorkspaceID]; ok {
			doc.Installations[updated.WorkspaceID] = updated
		}
	}); err != nil {
		r.logger.Warn("failed to persist rotated credential", "workspace", updated.WorkspaceID, "error", err)
	}
	r.logger.Info("workspace credential rotated", "workspace", updated.WorkspaceID)
	return updated, nil
}

// purge deletes a permanently unusable installation and returns the
// terminal resolution failure for it.
func (r *Resolver) purge(workspaceID string) error {
	if err := r.store.Update("purge expired installation", func(doc *Document) {
		delete(doc.Installations, workspaceID)
	}); err != nil {
		r.logger.Warn("failed to persist installation purge", "workspace", workspaceID, "error", err)
	}
	r.logger.Info("installation purged, credential irrecoverable", "workspace", workspaceID)
	return &ResolutionFailure{Reason: "token_expired", WorkspaceID: workspaceID}
}

// probe tries each known installation's credential against the destination
// channel, first match wins. The iteration is sequential and ordered by
// workspace id so results are deterministic. A workspace id discovered this
// way is written back onto the destination, so the next alert resolves
// directly.
func (r *Resolver) probe(ctx context.Context, userID string, dest Destination) (ResolvedCredential, error) {
	probed := 0
	for _, inst := range r.store.Installations() {
		if probed >= r.maxProbes {
			r.logger.Warn("probe cap reached", "cap", r.maxProbes, "channel", dest.ChannelID)
			break
		}
		probed++
		fresh, err := r.ensureFresh(ctx, inst)
		if err != nil {
			continue
		}
		if _, err := r.api.ChannelInfo(ctx, fresh.BotCredential.Token, dest.ChannelID); err != nil {
			continue
		}
		r.recordDiscoveredWorkspace(userID, dest, fresh.WorkspaceID)
		return ResolvedCredential{Credential: fresh.BotCredential.Token, WorkspaceID: fresh.WorkspaceID}, nil
	}
	if r.defaultCredential != "" {
		if _, err := r.api.ChannelInfo(ctx, r.defaultCredential, dest.ChannelID); err == nil {
			return ResolvedCredential{Credential: r.defaultCredential}, nil
		}
	}
	return ResolvedCredential{}, &ResolutionFailure{Reason: "not_configured"}
}

func (r *Resolver) recordDiscoveredWorkspace(userID string, dest Destination, workspaceID string) {
	if userID == "" || dest.WorkspaceID != "" || workspaceID == "" {
		return
	}
	err := r.store.Update("record probed destination workspace", func(doc *Document) {
		current, ok := doc.Destinations[userID]
		if !ok || current.ChannelID != dest.ChannelID || current.WorkspaceID != "" {
			return
		}
		current.WorkspaceID = workspaceID
		doc.Destinations[userID] = current
	})
	if err != nil {
		r.logger.Warn("failed to persist discovered workspace", "user", userID, "error", err)
	}
}

// Access is the destination reachability verdict. Remediation differs by
// reason: a public channel that is merely unjoined can be auto-joined, a
// private channel needs a human invite.
type Access struct {
	Accessible bool
	Reason     string // "channel_not_found" or "private_not_member"
}

// CheckAccess determines whether the credential can deliver to the channel.
func (r *Resolver) CheckAccess(ctx context.Context, credential, channelID string) (Access, error) {
	channel, err := r.api.ChannelInfo(ctx, credential, channelID)
	if err != nil {
		if platform.IsChannelNotFound(err) {
			return Access{Reason: "channel_not_found"}, nil
		}
		return Access{}, err
	}
	if channel.IsPrivate && !channel.IsMember {
		return Access{Reason: "private_not_member"}, nil
	}
	return Access{Accessible: true}, nil
}
