package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/browser"
	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"go.withmatt.com/mailsync/internal/log"
)

const (
	callbackPath   = "/oauth2callback"
	keyringService = "go.withmatt.com/mailsync"
)

// ErrNoToken is returned when no token is stored for an account and the
// caller did not allow an interactive login.
var ErrNoToken = errors.New("not logged in")

// Config returns the OAuth config for the Gmail scopes mailsync needs.
func Config(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailModifyScope},
	}
}

// Login runs the browser consent flow for email and stores the token.
func Login(ctx context.Context, oauthCfg *oauth2.Config, email string) error {
	if strings.TrimSpace(email) == "" {
		return errors.New("missing email for oauth")
	}
	tok, err := getTokenFromWeb(ctx, oauthCfg, email)
	if err != nil {
		return err
	}
	return saveTokenToKeyring(email, tok)
}

// GetClient returns an HTTP client authorized as email. Refreshed tokens are
// written back to the keyring.
func GetClient(ctx context.Context, oauthCfg *oauth2.Config, email string) (*http.Client, error) {
	if strings.TrimSpace(email) == "" {
		return nil, errors.New("missing email for oauth")
	}

	tok, err := tokenFromKeyring(email)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("%w as %s. Run 'mailsync login %s'", ErrNoToken, email, email)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load oauth token from keyring: %w", err)
	}

	src := &savingSource{
		email: email,
		base:  oauthCfg.TokenSource(ctx, tok),
		last:  tok.AccessToken,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, src)), nil
}

// savingSource persists every token it hands out that differs from the last
// one it saw.
type savingSource struct {
	email string
	base  oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := saveTokenToKeyring(s.email, tok); err != nil {
			log.Printf("Unable to cache oauth token in keyring: %v", err)
		}
	}
	return tok, nil
}

func getTokenFromWeb(ctx context.Context, config *oauth2.Config, email string) (*oauth2.Token, error) {
	if config == nil {
		return nil, errors.New("missing oauth config")
	}
	if config.ClientID == "" {
		return nil, errors.New("missing oauth client_id in config")
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("unable to start oauth callback server: %w", err)
	}
	defer listener.Close()

	callbackURL := fmt.Sprintf("http://%s%s", listener.Addr().String(), callbackPath)
	cfg := *config
	cfg.RedirectURL = callbackURL

	state, err := randomState()
	if err != nil {
		return nil, err
	}

	pkceVerifier, pkceChallenge, err := generatePKCE()
	if err != nil {
		return nil, err
	}

	authURL := cfg.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("login_hint", email),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("code_challenge", pkceChallenge),
	)

	log.Printf("Authentication required for %s", email)
	if err := browser.OpenURL(authURL); err != nil {
		log.Printf("Open this URL to authorize: %v", authURL)
	} else {
		log.Printf("If your browser does not open, visit: %v", authURL)
	}

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	server := &http.Server{
		Handler:           callbackHandler(state, codeCh, errCh),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errCh <- err:
			default:
			}
		}
	}()
	defer func() { _ = server.Shutdown(context.Background()) }()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	select {
	case code := <-codeCh:
		tok, err := cfg.Exchange(
			ctx,
			code,
			oauth2.SetAuthURLParam("code_verifier", pkceVerifier),
		)
		if err != nil {
			return nil, fmt.Errorf("unable to retrieve token: %w", err)
		}
		return tok, nil
	case err := <-errCh:
		return nil, err
	case <-waitCtx.Done():
		return nil, errors.New("timed out waiting for oauth callback")
	}
}

func callbackHandler(state string, codeCh chan<- string, errCh chan<- error) http.Handler {
	fail := func(w http.ResponseWriter, msg string, err error) {
		http.Error(w, msg, http.StatusBadRequest)
		select {
		case errCh <- err:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			fail(w, "Invalid state parameter.", errors.New("oauth state mismatch"))
			return
		}
		if errText := q.Get("error"); errText != "" {
			fail(w, errText, fmt.Errorf("oauth error: %s", errText))
			return
		}
		code := q.Get("code")
		if code == "" {
			fail(w, "Missing code parameter.", errors.New("oauth callback missing code"))
			return
		}
		_, _ = w.Write([]byte("mailsync authentication complete. You can close this window."))
		select {
		case codeCh <- code:
		default:
		}
	})
	return mux
}

func generatePKCE() (string, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("unable to generate PKCE verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

func tokenFromKeyring(email string) (*oauth2.Token, error) {
	value, err := keyring.Get(keyringService, keyringAccount(email))
	if err != nil {
		return nil, err
	}

	var tok oauth2.Token
	if err := json.Unmarshal([]byte(value), &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func saveTokenToKeyring(email string, token *oauth2.Token) error {
	if token == nil {
		return errors.New("missing oauth token")
	}
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	log.Printf("Saving credential to keyring for: %s", email)
	return keyring.Set(keyringService, keyringAccount(email), string(data))
}

func randomState() (string, error) {
	const size = 16
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("unable to generate oauth state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// DeleteToken forgets the stored token for email.
func DeleteToken(email string) error {
	if strings.TrimSpace(email) == "" {
		return nil
	}
	if err := keyring.Delete(keyringService, keyringAccount(email)); err != nil &&
		!errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("unable to delete token from keyring: %w", err)
	}
	return nil
}

func keyringAccount(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
