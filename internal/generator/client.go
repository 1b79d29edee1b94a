// Package generator talks to the external access code service.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrGenerator wraps every failure of a batch request. A failed request
// yields no codes at all.
var ErrGenerator = errors.New("code generator request failed")

const tokenTTL = time.Minute

type Config struct {
	BaseURL string
	Secret  string // HS256 key shared with the generator; empty disables auth
	Issuer  string
	Timeout time.Duration
}

// Client requests batches of codes over HTTP.
type Client struct {
	baseURL string
	secret  []byte
	issuer  string
	http    *http.Client
	now     func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("generator: invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "casesvc"
	}
	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		secret:  []byte(cfg.Secret),
		issuer:  issuer,
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}, nil
}

// GenerateBatch asks for count codes. Short batches are treated as failures.
func (c *Client) GenerateBatch(ctx context.Context, count int) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count %d", ErrGenerator, count)
	}
	endpoint := c.baseURL + "/uacs?count=" + strconv.Itoa(count)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerator, err)
	}
	req.Header.Set("Accept", "application/json")
	if len(c.secret) > 0 {
		tok, err := c.signToken()
		if err != nil {
			return nil, fmt.Errorf("%w: sign token: %w", ErrGenerator, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerator, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrGenerator, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var codes []string
	if err := json.NewDecoder(resp.Body).Decode(&codes); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrGenerator, err)
	}
	if len(codes) != count {
		return nil, fmt.Errorf("%w: asked for %d codes, got %d", ErrGenerator, count, len(codes))
	}
	for _, code := range codes {
		if strings.TrimSpace(code) == "" {
			return nil, fmt.Errorf("%w: empty code in batch", ErrGenerator)
		}
	}
	return codes, nil
}

func (c *Client) signToken() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.issuer,
		Subject:   "uac-batch",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}
