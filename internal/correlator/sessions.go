package correlator

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"bundlebridge/internal/logging"
	"bundlebridge/internal/protocol"
)

const messageNoSession = "No active session found. Open the site admin in a browser tab first, then try again."

type session struct {
	protocol.SessionPayload
	detectedAt time.Time
}

// Account is a detected session as listed for the user.
type Account struct {
	SiteURL    string `json:"siteUrl"`
	RESTURL    string `json:"restUrl"`
	User       string `json:"user,omitempty"`
	Domain     string `json:"domain"`
	HasNonce   bool   `json:"hasNonce"`
	Expired    bool   `json:"expired"`
	DetectedAt int64  `json:"detectedAt"`
}

func sessionKey(siteURL string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(siteURL), "/"))
}

func (c *Correlator) sessionDetected(msg protocol.Message) protocol.Response {
	var payload protocol.SessionPayload
	if err := msg.Decode(&payload); err != nil {
		return protocol.Failure("", "Invalid session payload")
	}
	key := sessionKey(payload.SiteURL)
	if key == "" {
		return protocol.Failure("", "Missing site URL")
	}
	payload.SiteURL = strings.TrimRight(strings.TrimSpace(payload.SiteURL), "/")
	ok := c.do(func() {
		c.sessions[key] = session{SessionPayload: payload, detectedAt: c.opts.Clock.Now()}
	})
	if !ok {
		return protocol.Failure("", "Correlator stopped")
	}
	c.logger.Info("site session detected", logging.String("site", key), logging.String("user", payload.User))
	return protocol.Success("", "Session recorded.", nil)
}

func (c *Correlator) detectAccounts() protocol.Response {
	var accounts []Account
	c.do(func() {
		now := c.opts.Clock.Now()
		for _, s := range c.sessions {
			accounts = append(accounts, Account{
				SiteURL:    s.SiteURL,
				RESTURL:    s.RESTURL,
				User:       s.User,
				Domain:     domainOf(s.SiteURL),
				HasNonce:   s.Nonce != "",
				Expired:    now.Sub(s.detectedAt) > c.opts.SessionMaxAge,
				DetectedAt: s.detectedAt.UnixMilli(),
			})
		}
	})
	// Live sessions with a nonce first, then most recent.
	sort.SliceStable(accounts, func(i, j int) bool {
		a, b := accounts[i], accounts[j]
		if a.Expired != b.Expired {
			return !a.Expired
		}
		if a.HasNonce != b.HasNonce {
			return a.HasNonce
		}
		return a.DetectedAt > b.DetectedAt
	})
	if accounts == nil {
		accounts = []Account{}
	}
	return protocol.Success("", "", map[string]any{"accounts": accounts})
}

func (c *Correlator) connectAccount(ctx context.Context, msg protocol.Message) protocol.Response {
	var payload protocol.AccountPayload
	if err := msg.Decode(&payload); err != nil || sessionKey(payload.SiteURL) == "" {
		return protocol.Failure("", "No site URL provided.")
	}
	key := sessionKey(payload.SiteURL)
	var (
		found   session
		present bool
	)
	c.do(func() { found, present = c.sessions[key] })
	if !present || found.Nonce == "" {
		return protocol.Failure("", messageNoSession)
	}
	if err := c.transport.UseSession(found.SessionPayload); err != nil {
		return protocol.Failure("", err.Error())
	}
	status, err := c.transport.TestConnection(ctx)
	if err != nil {
		c.transport.ClearSession()
		return protocol.Failure("", err.Error())
	}
	name := status.SiteName
	if name == "" {
		name = found.SiteURL
	}
	c.logger.Info("connected with site session", logging.String("site", key))
	return protocol.Success("", fmt.Sprintf("Connected to %q", name), status)
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return raw
	}
	return u.Hostname()
}
