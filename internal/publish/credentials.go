package publish

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/simplesurance/gitpublisher/internal/logfields"
)

// defaultCredentialUser is used as user name when only an access token is
// configured.
const defaultCredentialUser = "x-access-token"

// embedCredentials configures git to access the remote with an URL
// containing the credentials.
// The remote URL itself is not modified, an url.<authenticated-url>.insteadOf
// setting rewrites it transparently.
// The credentials are registered as secrets before any command containing
// them runs.
// The returned function removes the setting again, it must always be called.
func (a *attempt) embedCredentials(ctx context.Context, user, token string) (func(), error) {
	noop := func() {}

	if token == "" {
		return noop, nil
	}

	a.secrets.Add(token, url.QueryEscape(token), url.PathEscape(token))

	remoteURL, err := a.git.GetConfig(ctx, fmt.Sprintf("remote.%s.url", a.git.Remote()))
	if err != nil {
		return noop, fmt.Errorf("retrieving url of remote %q failed: %w", a.git.Remote(), err)
	}

	u, err := url.Parse(remoteURL)
	if err != nil {
		return noop, fmt.Errorf("parsing url of remote %q failed: %w", a.git.Remote(), err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		a.logger.Warn(
			"remote is not accessed via http(s), ignoring configured credentials",
			logfields.Event("credentials_ignored"),
			logfields.Remote(a.git.Remote()),
		)

		return noop, nil
	}

	if user == "" {
		user = defaultCredentialUser
	}

	authURL := *u
	authURL.User = url.UserPassword(user, token)

	a.secrets.Add(authURL.User.String(), authURL.String())

	key := fmt.Sprintf("url.%s.insteadOf", authURL.String())
	if err := a.git.SetConfig(ctx, key, remoteURL); err != nil {
		return noop, fmt.Errorf("configuring credentials failed: %w", err)
	}

	a.logger.Debug(
		"credentials configured for remote",
		logfields.Event("credentials_configured"),
		logfields.Remote(a.git.Remote()),
	)

	return func() {
		// the attempt context might already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		if err := a.git.UnsetConfig(ctx, key); err != nil {
			a.logger.Error(
				"removing credentials from git configuration failed",
				logfields.Event("credentials_cleanup_failed"),
				zap.Error(err),
			)
			return
		}

		a.logger.Debug(
			"credentials removed from git configuration",
			logfields.Event("credentials_removed"),
		)
	}, nil
}
