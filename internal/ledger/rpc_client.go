package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/safetrip/idanchor/internal/canonical"
	"github.com/safetrip/idanchor/internal/metrics"
	"github.com/safetrip/idanchor/internal/platform/circuit"
)

// RPCConfig configures the gateway connection.
type RPCConfig struct {
	Endpoint  string
	Timeout   time.Duration // per call, applied on top of the caller's ctx
	RateLimit float64       // calls per second; 0 disables limiting
	Burst     int

	// OAuth2 enables client-credentials auth against a managed gateway.
	OAuth2 *clientcredentials.Config
}

// RPCClient talks JSON-RPC 2.0 to a ledger gateway exposing the three
// registry operations. It implements Client.
type RPCClient struct {
	endpoint   string
	signer     SignerConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuit.Breaker
	tracer     trace.Tracer
	timeout    time.Duration
	nextID     atomic.Uint64
	logger     *zap.Logger
}

// RPCOption customises an RPCClient.
type RPCOption func(*RPCClient)

// WithHTTPClient replaces the HTTP client. It takes precedence over OAuth2.
func WithHTTPClient(hc *http.Client) RPCOption {
	return func(c *RPCClient) { c.httpClient = hc }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuit.Breaker) RPCOption {
	return func(c *RPCClient) { c.breaker = b }
}

// NewRPCClient creates a gateway client for the given signer.
func NewRPCClient(cfg RPCConfig, signer SignerConfig, logger *zap.Logger, opts ...RPCOption) (*RPCClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("ledger endpoint is required")
	}
	if err := signer.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if signer.TokenTTL <= 0 {
		signer.TokenTTL = time.Minute
	}

	c := &RPCClient{
		endpoint: cfg.Endpoint,
		signer:   signer,
		timeout:  cfg.Timeout,
		tracer:   otel.Tracer("idanchor/ledger"),
		logger:   logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		if cfg.OAuth2 != nil {
			c.httpClient = cfg.OAuth2.Client(context.Background())
		} else {
			c.httpClient = &http.Client{}
		}
	}
	if c.breaker == nil {
		c.breaker = circuit.New("ledger-rpc", circuit.WithStateChange(func(name string, to circuit.State) {
			logger.Warn("circuit breaker state change", zap.String("breaker", name), zap.Stringer("state", to))
		}))
	}
	return c, nil
}

// SubmitHash implements Client.
func (c *RPCClient) SubmitHash(ctx context.Context, owner Address, hash canonical.Hash) (TxRef, error) {
	var res registerResult
	if err := c.call(ctx, MethodRegisterID, registerParams{Owner: owner.String(), Hash: hash.String()}, &res); err != nil {
		return "", err
	}
	if res.TxRef == "" {
		return "", fmt.Errorf("%w: empty transaction reference", ErrNetworkUnavailable)
	}
	return res.TxRef, nil
}

// GetReceipt implements Client.
func (c *RPCClient) GetReceipt(ctx context.Context, ref TxRef) (*Receipt, error) {
	var res Receipt
	if err := c.call(ctx, MethodGetReceipt, receiptParams{TxRef: ref}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// QueryStoredHash implements Client.
func (c *RPCClient) QueryStoredHash(ctx context.Context, owner Address) (canonical.Hash, error) {
	var res getIDResult
	if err := c.call(ctx, MethodGetID, getIDParams{Owner: owner.String()}, &res); err != nil {
		return canonical.ZeroHash, err
	}
	h, err := canonical.ParseHash(res.Hash)
	if err != nil {
		return canonical.ZeroHash, fmt.Errorf("%w: malformed stored hash: %v", ErrNetworkUnavailable, err)
	}
	if h.IsZero() {
		return canonical.ZeroHash, ErrNotFound
	}
	return h, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params, result any) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "ledger."+method, trace.WithAttributes(
		attribute.String("ledger.method", method),
		attribute.Int64("ledger.chain_id", c.signer.ChainID),
	))
	start := time.Now()
	defer func() {
		outcome := outcomeOf(err)
		metrics.ObserveLedgerCall(method, outcome, time.Since(start).Seconds())
		if err != nil && !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("ledger.outcome", outcome))
		span.End()
	}()

	if !c.breaker.Allow() {
		return fmt.Errorf("%w: circuit %s open", ErrNetworkUnavailable, c.breaker.Name())
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limit: %w", ErrNetworkUnavailable, err)
		}
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	id := c.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: rawParams})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	token, err := c.signRequest(body)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.breaker.RecordFailure()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10)) //nolint:errcheck
		return fmt.Errorf("%w: gateway returned HTTP %d", ErrNetworkUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		c.breaker.RecordSuccess()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return fmt.Errorf("%w: gateway returned HTTP %d: %s", ErrSubmissionRejected, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rpcResp); err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: decode response: %w", ErrNetworkUnavailable, err)
	}
	c.breaker.RecordSuccess()

	if rpcResp.ID != id {
		return fmt.Errorf("%w: response id %d does not match request %d", ErrNetworkUnavailable, rpcResp.ID, id)
	}
	if rpcResp.Error != nil {
		return mapRPCError(rpcResp.Error)
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("%w: decode result: %w", ErrNetworkUnavailable, err)
	}

	c.logger.Debug("ledger call",
		zap.String("method", method),
		zap.Uint64("id", id),
		zap.Duration("latency", time.Since(start)),
	)
	return nil
}

func (c *RPCClient) signRequest(body []byte) (string, error) {
	sum := sha256.Sum256(body)
	now := time.Now()
	claims := requestClaims{
		ChainID:  c.signer.ChainID,
		BodyHash: hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.signer.KeyID,
			Subject:   c.signer.KeyID,
			Audience:  jwt.ClaimStrings{c.signer.ContractAddress},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.signer.TokenTTL)),
			ID:        uuid.NewString(),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = c.signer.KeyID
	return tok.SignedString(c.signer.PrivateKey)
}

func mapRPCError(e *rpcError) error {
	switch e.Code {
	case codeNotFound:
		return ErrNotFound
	case codeRejected, codeInvalidParams, codeUnderpriced, codeMethodNotFound:
		return fmt.Errorf("%w: %s (code %d)", ErrSubmissionRejected, e.Message, e.Code)
	default:
		return fmt.Errorf("%w: %s (code %d)", ErrNetworkUnavailable, e.Message, e.Code)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrSubmissionRejected):
		return "rejected"
	case errors.Is(err, ErrNetworkUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
