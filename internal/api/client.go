// Package api implements the HTTP call contracts of the auction server.
// Persistence and validation authority live entirely on the server; this
// package only shapes requests and classifies failures.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentender/livebid/internal/auction"
	"github.com/opentender/livebid/internal/money"
)

var (
	// ErrNotFound means the auction document does not exist. Terminal.
	ErrNotFound = errors.New("api: auction not found")
	// ErrUnauthorized covers 401 responses on authorization and bidding.
	ErrUnauthorized = errors.New("api: unauthorized")
)

// ValidationError carries the server-supplied messages of a 400 response.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("api: bid rejected: %v", e.Messages)
}

// Client talks to one auction server. Safe for concurrent use.
type Client struct {
	baseURL  string
	http     *http.Client
	log      zerolog.Logger
	clientID string
}

// NewClient returns a client for the given base URL (no trailing slash).
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "api").Logger(),
	}
}

// SetClientID sets the stable client identifier sent as the client_id
// cookie on every request.
func (c *Client) SetClientID(id string) {
	c.clientID = id
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.clientID != "" {
		req.AddCookie(&http.Cookie{Name: "client_id", Value: c.clientID})
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// nonce defeats intermediary caches on polled GETs.
func nonce() string {
	return "?_nonce=" + strconv.FormatInt(rand.Int63(), 10)
}

// GetAuction fetches the current document snapshot.
func (c *Client) GetAuction(ctx context.Context, auctionID string) (*auction.Document, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/auctions/"+auctionID+nonce(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("get auction: status %d", resp.StatusCode)
	}

	var doc auction.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode auction document: %w", err)
	}
	return &doc, nil
}

// ServerTime fetches the authoritative server time from the Date header
// of a cache-busted lightweight request.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	resp, err := c.do(ctx, http.MethodGet, "/get_current_server_time"+nonce(), nil)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("server time: status %d", resp.StatusCode)
	}
	stamp := resp.Header.Get("Date")
	t, err := http.ParseTime(stamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse Date header %q: %w", stamp, err)
	}
	return t, nil
}

// CheckAuthorization resolves bidder credentials into a session grant.
// A 401 maps to ErrUnauthorized; the caller falls back to observer mode.
func (c *Client) CheckAuthorization(ctx context.Context, auctionID string, req AuthorizationRequest) (*AuthorizationResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/auctions/"+auctionID+"/check_authorization", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("check authorization: status %d", resp.StatusCode)
	}

	var grant AuthorizationResponse
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("decode authorization response: %w", err)
	}
	return &grant, nil
}

// PostBid submits an amount for the bidder. The response echoes the
// accepted amount, or the cancellation sentinel when the bid was
// withdrawn. 400 becomes a *ValidationError, 401 becomes ErrUnauthorized.
func (c *Client) PostBid(ctx context.Context, auctionID, bidderID, hash string, amount money.Rational) (money.Rational, error) {
	path := "/api/auctions/" + auctionID + "/bids/" + bidderID + "?hash=" + hash
	resp, err := c.do(ctx, http.MethodPost, path, BidRequest{Amount: amount})
	if err != nil {
		return money.Rational{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest:
		var body BidErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return money.Rational{}, &ValidationError{Messages: []string{"bid rejected"}}
		}
		return money.Rational{}, &ValidationError{Messages: body.Flatten()}
	case http.StatusUnauthorized:
		return money.Rational{}, ErrUnauthorized
	default:
		return money.Rational{}, fmt.Errorf("post bid: status %d", resp.StatusCode)
	}

	var body BidResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return money.Rational{}, fmt.Errorf("decode bid response: %w", err)
	}
	return body.Amount, nil
}

// SetReceiveTimeout asks the event-stream endpoint to shorten its push
// interval, sent when no identification arrived in time.
func (c *Client) SetReceiveTimeout(ctx context.Context, seconds int) error {
	resp, err := c.do(ctx, http.MethodPost, "/set_sse_timeout", map[string]string{
		"timeout": strconv.Itoa(seconds),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("set receive timeout: status %d", resp.StatusCode)
	}
	return nil
}

// KickClient disconnects another client of the same bidder.
func (c *Client) KickClient(ctx context.Context, clientID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/kickclient", map[string]string{
		"client_id": clientID,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kick client: status %d", resp.StatusCode)
	}
	return nil
}

// SendLog forwards a client-side log record to the server, best effort.
func (c *Client) SendLog(ctx context.Context, fields map[string]any) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/log", fields)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send log: status %d", resp.StatusCode)
	}
	return nil
}
