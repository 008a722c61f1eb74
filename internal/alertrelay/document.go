package alertrelay

import (
	"time"
)

// Document is the single persisted aggregate: everything the relay knows
// about routing lives in these four maps and they are loaded, mutated, and
// saved as one unit.
type Document struct {
	Destinations  map[string]Destination  `json:"destinations"`
	UserTokens    map[string]string       `json:"userTokens"`
	TokenToUser   map[string]string       `json:"tokenToUser"`
	Installations map[string]Installation `json:"installations"`
}

// Destination is the channel a user's alerts are routed to. WorkspaceID may
// be empty for destinations recorded before workspace tagging existed; the
// resolver probes installations to recover it.
type Destination struct {
	ChannelID   string `json:"channelId"`
	Kind        string `json:"kind"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// Installation is one workspace's authorization record.
type Installation struct {
	WorkspaceID   string        `json:"workspaceId"`
	WorkspaceName string        `json:"workspaceName,omitempty"`
	BotCredential BotCredential `json:"botCredential"`
	InstalledAt   time.Time     `json:"installedAt"`
	Scopes        string        `json:"scopes,omitempty"`
}

// BotCredential is the bot-identity secret for one workspace. ExpiresAt is
// unix seconds; zero means the credential does not rotate.
type BotCredential struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
}

// NewDocument returns an empty document with all four maps present.
func NewDocument() *Document {
	return &Document{
		Destinations:  map[string]Destination{},
		UserTokens:    map[string]string{},
		TokenToUser:   map[string]string{},
		Installations: map[string]Installation{},
	}
}

// Validate repairs the document in place so the token maps are mutual
// inverses and all maps exist. It reports whether anything was repaired, so
// the caller knows to persist. Each map is swept from its own perspective:
// a tokenToUser entry whose user points at a different token is an orphan,
// and symmetrically for userTokens. One sweep per direction is enough to
// clean a one-sided dangling reference.
func (d *Document) Validate() bool {
	repaired := false
	if d.Destinations == nil {
		d.Destinations = map[string]Destination{}
		repaired = true
	}
	if d.UserTokens == nil {
		d.UserTokens = map[string]string{}
		repaired = true
	}
	if d.TokenToUser == nil {
		d.TokenToUser = map[string]string{}
		repaired = true
	}
	if d.Installations == nil {
		d.Installations = map[string]Installation{}
		repaired = true
	}
	for token, userID := range d.TokenToUser {
		if d.UserTokens[userID] != token {
			delete(d.TokenToUser, token)
			repaired = true
		}
	}
	for userID, token := range d.UserTokens {
		if d.TokenToUser[token] != userID {
			delete(d.UserTokens, userID)
			repaired = true
		}
	}
	return repaired
}
