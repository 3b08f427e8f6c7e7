/**
 * @description
 * This package provides a client for communicating with the account-service,
 * which owns account balances. It reads account snapshots and performs
 * conditional balance writes guarded by an expected prior balance, so that a
 * concurrent modification surfaces as ErrConflict instead of being overwritten.
 *
 * @dependencies
 * - github.com/sony/gobreaker: Circuit breaker around account-service calls.
 * - github.com/shopspring/decimal: Fixed-point balances.
 */
package accountclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when the account-service answers 404.
	ErrNotFound = errors.New("account not found")
	// ErrConflict is returned when the expected balance did not match.
	ErrConflict = errors.New("account balance precondition failed")
	// ErrUnavailable covers transport failures, timeouts, 5xx answers and an open breaker.
	ErrUnavailable = errors.New("account service unavailable")
	// ErrRejected is returned for any other 4xx answer; retrying will not help.
	ErrRejected = errors.New("account service rejected request")
)

const (
	defaultTimeout     = 5 * time.Second
	maxErrorBodyLength = 512
)

// Account is the account-service representation of an account.
type Account struct {
	ID      int64           `json:"id"`
	UserID  int64           `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// Options tunes the client. Zero values fall back to defaults.
type Options struct {
	APIKey  string
	Timeout time.Duration
	// BreakerFailures is the number of consecutive unavailable answers that opens the breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open before probing again.
	BreakerCooldown time.Duration
	Logger          *zap.Logger
}

// Client is a client for the account service. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewClient creates a new account service client.
func NewClient(baseURL string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "account-service",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only transport-level failures count against the breaker; 404 and 409
		// are well-formed answers.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

type updateBalanceRequest struct {
	Balance         json.Number `json:"balance"`
	ExpectedBalance json.Number `json:"expected_balance"`
}

// GetAccount reads the current state of an account.
func (c *Client) GetAccount(ctx context.Context, accountID int64) (*Account, error) {
	return c.execute(ctx, func() (*Account, error) {
		url := fmt.Sprintf("%s/accounts/%d", c.baseURL, accountID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		return c.do(req, accountID)
	})
}

// SetBalance writes newBalance if and only if the account currently holds
// expected. Exactly one HTTP attempt is made; retry policy belongs to the caller.
func (c *Client) SetBalance(ctx context.Context, accountID int64, expected, newBalance decimal.Decimal) (*Account, error) {
	return c.execute(ctx, func() (*Account, error) {
		payload := updateBalanceRequest{
			Balance:         json.Number(newBalance.StringFixed(2)),
			ExpectedBalance: json.Number(expected.StringFixed(2)),
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}

		url := fmt.Sprintf("%s/accounts/%d", c.baseURL, accountID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return c.do(req, accountID)
	})
}

func (c *Client) execute(ctx context.Context, fn func() (*Account, error)) (*Account, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: account service base url is empty", ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	account, _ := result.(*Account)
	return account, nil
}

func (c *Client) do(req *http.Request, accountID int64) (*Account, error) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: account %d", ErrNotFound, accountID)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return nil, fmt.Errorf("%w: account %d", ErrConflict, accountID)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, readErrorBody(resp.Body))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, readErrorBody(resp.Body))
	}

	var account Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		// A 2xx with a body we cannot read leaves the outcome unknown.
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrUnavailable, err)
	}
	if account.ID == 0 {
		account.ID = accountID
	}
	return &account, nil
}

func readErrorBody(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBodyLength))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
