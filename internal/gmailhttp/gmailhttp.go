/*
Package gmailhttp builds the authorized HTTP client shared by the GMail,
Sheets and Drive clients.

OAuth 2.0 client credentials come from a JSON file downloaded from the
Google Cloud console (an "installed application" client).  The user's
token lives in a separate file, written once by Consent and rewritten
whenever the access token is refreshed.

BUGS:

A revoked refresh token is only noticed on the first API call of a run.
The run then fails as a whole and "mealmail auth" must be run again.
*/

package gmailhttp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const tokenFileMode = 0600

// fileTokenSource hands out tokens from an underlying source and
// writes every new token to a file so that refreshes survive restarts.
type fileTokenSource struct {
	// The source that refreshes tokens.
	src oauth2.TokenSource

	// The path of the token file.
	path string

	mu   sync.Mutex
	last string // access token last written
}

// Token returns a valid token, saving it when it changed.  Satisfies
// oauth2.TokenSource.
func (s *fileTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := SaveToken(s.path, tok); err != nil {
			return nil, err
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}

// Config reads OAuth client credentials for the given scopes.
func Config(credentialsPath string, scopes ...string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading client credentials %s", credentialsPath)
	}
	cfg, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing client credentials %s", credentialsPath)
	}
	return cfg, nil
}

// LoadToken reads a token written by SaveToken.
func LoadToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading token %s (run \"mealmail auth\" first)", path)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(b, tok); err != nil {
		return nil, errors.Wrapf(err, "parsing token %s", path)
	}
	return tok, nil
}

// SaveToken writes tok to path, replacing any previous token.
func SaveToken(path string, tok *oauth2.Token) error {
	b, err := json.Marshal(tok)
	if err != nil {
		return errors.Wrap(err, "encoding token")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".token-*")
	if err != nil {
		return errors.Wrap(err, "creating token file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing token file")
	}
	if err := tmp.Chmod(tokenFileMode); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing token file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "writing token file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "replacing token file")
}

// New returns an HTTP client authorized with the saved token.  base,
// if non-nil, carries the requests (e.g. a tracing transport).
func New(ctx context.Context, cfg *oauth2.Config, tokenPath string, base http.RoundTripper) (*http.Client, error) {
	tok, err := LoadToken(tokenPath)
	if err != nil {
		return nil, err
	}
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: base})
	}
	src := &fileTokenSource{
		src:  cfg.TokenSource(ctx, tok),
		path: tokenPath,
		last: tok.AccessToken,
	}
	return &http.Client{Transport: &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(tok, src),
		Base:   base,
	}}, nil
}

// Consent walks the user through the installed-application flow:
// it prints the consent URL to w, reads the authorization code from r
// and saves the resulting token.
func Consent(ctx context.Context, cfg *oauth2.Config, tokenPath string, r io.Reader, w io.Writer) error {
	url := cfg.AuthCodeURL("mealmail", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(w, "Open the following URL, grant access, and paste the code here:\n\n%s\n\ncode: ", url)

	code, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "reading authorization code")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("no authorization code given")
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return errors.Wrap(err, "exchanging authorization code")
	}
	return SaveToken(tokenPath, tok)
}
