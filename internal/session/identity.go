// Package session coordinates one bidder's (or observer's) participation
// in one auction: identity, authorization, the live channel and the bid
// form, glued together by the controller.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/opentender/livebid/internal/money"
)

// Identity holds who this session is. ClientID survives restarts so the
// server can recognize a returning client; BrowserClientID is fresh per
// run and distinguishes concurrent sessions of the same client.
type Identity struct {
	mu sync.Mutex

	clientID        string
	browserClientID string
	bidderID        string
	hash            string
	coefficient     *money.Rational
	returnURL       string
}

// LoadIdentity reads the persisted client ID from path, minting and
// persisting a new one on first run. Credentials start empty; observers
// never set them.
func LoadIdentity(path string) (*Identity, error) {
	id := &Identity{browserClientID: uuid.New().String()}

	data, err := os.ReadFile(path)
	switch {
	case err == nil && len(strings.TrimSpace(string(data))) > 0:
		id.clientID = strings.TrimSpace(string(data))
		return id, nil
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("read client id: %w", err)
	}

	id.clientID = uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create client id dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.clientID), 0o600); err != nil {
		return nil, fmt.Errorf("persist client id: %w", err)
	}
	return id, nil
}

// NewEphemeralIdentity mints an identity that is not persisted, for tests
// and one-off observer sessions.
func NewEphemeralIdentity() *Identity {
	return &Identity{
		clientID:        uuid.New().String(),
		browserClientID: uuid.New().String(),
	}
}

// ClientID is the stable per-installation identifier.
func (i *Identity) ClientID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.clientID
}

// BrowserClientID is the per-run identifier.
func (i *Identity) BrowserClientID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.browserClientID
}

// SetCredentials stores the bidder credentials supplied at startup.
func (i *Identity) SetCredentials(bidderID, hash string) {
	i.mu.Lock()
	i.bidderID = bidderID
	i.hash = hash
	i.mu.Unlock()
}

// Credentials returns the bidder ID and hash; both empty for observers.
func (i *Identity) Credentials() (bidderID, hash string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bidderID, i.hash
}

// BidderID returns the confirmed bidder ID, empty for observers.
func (i *Identity) BidderID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bidderID
}

// ApplyGrant records the server-confirmed identity fields.
func (i *Identity) ApplyGrant(bidderID string, coefficient *money.Rational, returnURL string) {
	i.mu.Lock()
	if bidderID != "" {
		i.bidderID = bidderID
	}
	i.coefficient = coefficient
	i.returnURL = returnURL
	i.mu.Unlock()
}

// Coefficient returns the bidder's amount coefficient, nil when absent.
func (i *Identity) Coefficient() *money.Rational {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.coefficient
}

// ReturnURL is where the bidder lands after the auction ends.
func (i *Identity) ReturnURL() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.returnURL
}

// Observer reports whether the session has no bidder credentials.
func (i *Identity) Observer() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bidderID == "" && i.hash == ""
}
