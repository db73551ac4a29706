package cmd

import (
	"context"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/config"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/db"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/qbo"
)

// newQBOClient builds a client for the configured realm. A token stored by
// an earlier refresh wins over the one in the environment, since QBO
// refresh tokens rotate.
func newQBOClient(ctx context.Context, cfg *config.Config, meta *db.Metadata) (*qbo.Client, error) {
	token := &oauth2.Token{
		AccessToken:  cfg.QBO.AccessToken,
		RefreshToken: cfg.QBO.RefreshToken,
		TokenType:    "Bearer",
	}

	stored, err := meta.LoadToken(ctx)
	if err != nil {
		return nil, err
	}
	if stored != nil && stored.RefreshToken != "" {
		slog.Debug("Using stored QBO token", "expiry", stored.Expiry)
		token = stored
	}

	session := qbo.NewSession(cfg.QBO.RealmID,
		qbo.NewOAuthConfig(cfg.QBO.ClientID, cfg.QBO.ClientSecret, cfg.QBO.TokenURL), token)
	session.OnRefresh(meta.SaveToken)

	return qbo.NewClient(qbo.ClientConfig{
		APIURL:    cfg.QBO.APIURL,
		Session:   session,
		RateLimit: cfg.QBO.RateLimit,
	}), nil
}
