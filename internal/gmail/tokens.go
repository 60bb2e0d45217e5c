package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/types"
)

// refreshBuffer refreshes the access token this far before its expiry.
const refreshBuffer = 5 * time.Minute

// TokenBackend persists the singleton OAuth token.
type TokenBackend interface {
	Load(ctx context.Context) (*types.GmailToken, error)
	Save(ctx context.Context, t *types.GmailToken) error
}

// StoreBackend keeps the token in the database's gmail_tokens row.
type StoreBackend struct {
	Store storage.Storage
}

func (b *StoreBackend) Load(ctx context.Context) (*types.GmailToken, error) {
	return b.Store.GetGmailToken(ctx)
}

func (b *StoreBackend) Save(ctx context.Context, t *types.GmailToken) error {
	return b.Store.SaveGmailToken(ctx, t)
}

// FileBackend keeps the token in a local JSON file (dev convenience).
type FileBackend struct {
	Path string
}

func (b *FileBackend) Load(_ context.Context) (*types.GmailToken, error) {
	raw, err := os.ReadFile(b.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	var t types.GmailToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("corrupt token file %s: %w", b.Path, err)
	}
	return &t, nil
}

func (b *FileBackend) Save(_ context.Context, t *types.GmailToken) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return os.WriteFile(b.Path, raw, 0o600)
}

// TokenSource yields valid access tokens, refreshing through the OAuth
// endpoint when the stored token is within the buffer of expiry, and
// persisting every refresh back to the backend.
type TokenSource struct {
	conf    *oauth2.Config
	backend TokenBackend

	mu     sync.Mutex
	cached *oauth2.Token
}

// NewTokenSource builds a token source from client credentials and a backend.
func NewTokenSource(clientID, clientSecret, redirectURL string, backend TokenBackend) *TokenSource {
	return &TokenSource{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/gmail.modify",
			},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
		},
		backend: backend,
	}
}

// Token implements oauth2.TokenSource.
func (ts *TokenSource) Token() (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	if ts.cached != nil && ts.cached.Expiry.After(now.Add(refreshBuffer)) {
		return ts.cached, nil
	}

	ctx := context.Background()
	stored, err := ts.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("no gmail token available: %w", err)
	}

	tok := &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		Expiry:       stored.Expiry,
	}
	if tok.Expiry.After(now.Add(refreshBuffer)) {
		ts.cached = tok
		return tok, nil
	}

	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("gmail token expired and no refresh token stored")
	}

	debug.Logf("gmail: refreshing access token (expiry %s)\n", tok.Expiry.Format(time.RFC3339))
	refreshed, err := ts.conf.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh gmail token: %w", err)
	}

	saved := &types.GmailToken{
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		Expiry:       refreshed.Expiry,
	}
	if saved.RefreshToken == "" {
		saved.RefreshToken = tok.RefreshToken
	}
	if err := ts.backend.Save(ctx, saved); err != nil {
		// The refreshed token still works for this process; losing the
		// persist only costs a refresh on restart.
		debug.Logf("gmail: failed to persist refreshed token: %v\n", err)
	}

	ts.cached = refreshed
	return refreshed, nil
}

var _ oauth2.TokenSource = (*TokenSource)(nil)
