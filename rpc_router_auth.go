package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

type AuthRequestParams struct {
	Address     string      `json:"address"`
	SessionKey  string      `json:"session_key"`
	Application string      `json:"application"`
	Allowances  []Allowance `json:"allowances"`
	ExpiresAt   uint64      `json:"expires_at"`
	Scope       string      `json:"scope"`
}

// AuthResponse carries the challenge token back to the client for signing.
type AuthResponse struct {
	ChallengeMessage uuid.UUID `json:"challenge_message"`
}

// AuthVerifyParams completes authentication either by redeeming a signed
// challenge or by presenting a still-valid JWT from a prior session.
type AuthVerifyParams struct {
	Challenge uuid.UUID `json:"challenge"`
	JWT       string    `json:"jwt"`
}

func (r *RPCRouter) HandleAuthRequest(c *RPCContext) {
	ctx := c.Context
	logger := LoggerFromContext(ctx)
	req := c.Message.Req

	r.Metrics.AuthRequests.Inc()

	var authParams AuthRequestParams
	if err := parseParams(req.Params, &authParams); err != nil {
		c.Fail(err, "failed to parse auth parameters")
		return
	}

	logger.Debug("incoming auth request",
		"addr", authParams.Address,
		"sessionKey", authParams.SessionKey,
		"application", authParams.Application,
		"rawAllowances", authParams.Allowances,
		"scope", authParams.Scope,
		"expires_at", authParams.ExpiresAt)

	token, err := r.Sessions.GenerateChallenge(
		authParams.Address,
		authParams.SessionKey,
		authParams.Application,
		authParams.Allowances,
		authParams.Scope,
		authParams.ExpiresAt,
	)
	if err != nil {
		logger.Error("failed to generate challenge", "error", err)
		c.Fail(err, "failed to generate challenge")
		return
	}

	c.Succeed("auth_challenge", AuthResponse{ChallengeMessage: token})
}

func (r *RPCRouter) HandleAuthVerify(c *RPCContext) {
	ctx := c.Context
	logger := LoggerFromContext(ctx)
	req := c.Message.Req

	var authParams AuthVerifyParams
	if err := parseParams(req.Params, &authParams); err != nil {
		c.Fail(err, "failed to parse auth parameters")
		return
	}

	authMethod, policy, responseData, err := r.resolveAuthVerify(ctx, c, authParams)

	r.Metrics.AuthAttemptsTotal.With(prometheus.Labels{"auth_method": authMethod}).Inc()
	if err != nil {
		r.Metrics.AuthAttempsFail.With(prometheus.Labels{"auth_method": authMethod}).Inc()
		c.Fail(err, "authentication failed")
		return
	}
	r.Metrics.AuthAttempsSuccess.With(prometheus.Labels{"auth_method": authMethod}).Inc()

	c.UserID = policy.Wallet
	c.Storage.Set(ConnectionStoragePolicyKey, policy)
	c.Succeed(req.Method, responseData)
	logger.Info("authentication successful", "authMethod", authMethod, "userID", c.UserID)
}

// resolveAuthVerify dispatches to the JWT or signature path depending on
// which credential authParams carries, surfacing which path was taken so
// the caller can label its metrics.
func (r *RPCRouter) resolveAuthVerify(ctx context.Context, c *RPCContext, authParams AuthVerifyParams) (string, *SessionPolicy, any, error) {
	if authParams.JWT != "" {
		policy, data, err := r.handleAuthJWTVerify(ctx, authParams)
		return "jwt", policy, data, err
	}
	if len(c.Message.Sig) > 0 {
		policy, data, err := r.handleAuthSigVerify(ctx, c.Message.Sig[0], authParams)
		return "signature", policy, data, err
	}
	return "none", nil, nil, fmt.Errorf("invalid authentication method: expected JWT or signature")
}

func (r *RPCRouter) AuthMiddleware(c *RPCContext) {
	ctx := c.Context
	logger := LoggerFromContext(ctx)
	req := c.Message.Req

	stored, ok := c.Storage.Get(ConnectionStoragePolicyKey)
	if !ok || stored == nil || c.UserID == "" {
		c.Fail(nil, "authentication required")
		return
	}

	policy, ok := stored.(*SessionPolicy)
	if !ok {
		logger.Error("invalid policy type in storage", "type", fmt.Sprintf("%T", stored))
		c.Fail(nil, "invalid policy type in storage")
		return
	}

	if !r.Sessions.ValidateSession(policy.Wallet) {
		logger.Debug("session expired", "signerAddress", policy.Wallet)
		c.Fail(nil, "session expired, please re-authenticate")
		return
	}
	r.Sessions.UpdateSession(policy.Wallet)

	if err := ValidateTimestamp(req.Timestamp, r.Config.msgExpiryTime); err != nil {
		logger.Debug("invalid message timestamp", "error", err)
		c.Fail(nil, "invalid message timestamp")
		return
	}

	c.Next()
}

// handleAuthJWTVerify re-validates an existing session token, returning the
// policy it carries without touching the challenge store.
func (r *RPCRouter) handleAuthJWTVerify(ctx context.Context, authParams AuthVerifyParams) (*SessionPolicy, any, error) {
	logger := LoggerFromContext(ctx)

	claims, err := r.Sessions.VerifyJWT(authParams.JWT)
	if err != nil {
		logger.Error("failed to verify JWT", "error", err)
		return nil, nil, RPCErrorf("invalid JWT token")
	}

	return &claims.Policy, map[string]any{
		"address":     claims.Policy.Wallet,
		"session_key": claims.Policy.SessionKey,
		"success":     true,
	}, nil
}

// handleAuthSigVerify redeems the referenced challenge against the EIP-712
// signature attached to the request, then mints a fresh session token and
// persists the session key if it wasn't already registered.
func (r *RPCRouter) handleAuthSigVerify(ctx context.Context, sig Signature, authParams AuthVerifyParams) (*SessionPolicy, any, error) {
	logger := LoggerFromContext(ctx)

	challenge, err := r.Sessions.GetChallenge(authParams.Challenge)
	if err != nil {
		logger.Error("failed to get challenge", "error", err)
		return nil, nil, RPCErrorf("invalid challenge")
	}

	recoveredAddress, err := RecoverAddressFromEip712Signature(
		challenge.Address,
		challenge.Token.String(),
		challenge.SessionKey,
		challenge.Application,
		challenge.Allowances,
		challenge.Scope,
		challenge.SessionKeyExpiresAt,
		sig)
	if err != nil {
		logger.Error("failed to recover address from signature", "error", err)
		return nil, nil, RPCErrorf("invalid signature")
	}

	if err := r.Sessions.ValidateChallenge(authParams.Challenge, recoveredAddress); err != nil {
		logger.Debug("challenge verification failed", "error", err)
		return nil, nil, RPCErrorf("invalid challenge or signature")
	}

	if _, err = GenerateOrRetrieveUserTag(r.DB, challenge.Address); err != nil {
		logger.Error("failed to store user tag in db", "error", err)
		return nil, nil, fmt.Errorf("failed to store user tag in db")
	}

	if err := validateAllowances(&r.Config.assets, challenge.Allowances); err != nil {
		logger.Error("unsupported asset in allowances", "error", err, "allowances", challenge.Allowances)
		return nil, nil, RPCErrorf("unsupported token: %w", err)
	}

	claims, jwtToken, err := r.Sessions.GenerateJWT(challenge.Address, challenge.SessionKey, challenge.Scope, challenge.Application, challenge.Allowances, challenge.SessionKeyExpiresAt)
	if err != nil {
		logger.Error("failed to generate JWT token", "error", err)
		return nil, nil, RPCErrorf("failed to generate JWT token")
	}

	exists, err := CheckSessionKeyExists(r.DB, challenge.Address, challenge.SessionKey)
	if err != nil {
		logger.Error("failed to check existing session key", "error", err, "sessionKey", challenge.SessionKey)
		return nil, nil, err
	}
	if !exists {
		if err := AddSessionKey(r.DB, challenge.Address, challenge.SessionKey, challenge.Application, challenge.Scope, challenge.Allowances, claims.Policy.ExpiresAt); err != nil {
			logger.Error("failed to store session key", "error", err, "sessionKey", challenge.SessionKey)
			return nil, nil, err
		}
	}

	return &claims.Policy, map[string]any{
		"address":     challenge.Address,
		"session_key": challenge.SessionKey,
		"jwt_token":   jwtToken,
		"success":     true,
	}, nil
}

func ValidateTimestamp(ts uint64, expirySeconds int) error {
	if ts < 1_000_000_000_000 || ts > 9_999_999_999_999 {
		return fmt.Errorf("invalid timestamp %d: must be 13-digit Unix ms", ts)
	}
	t := time.UnixMilli(int64(ts)).UTC()
	if time.Since(t) > time.Duration(expirySeconds)*time.Second {
		return fmt.Errorf("timestamp expired: %s older than %d s", t.Format(time.RFC3339Nano), expirySeconds)
	}
	return nil
}

// validateAllowances rejects any allowance for an asset that is unknown or
// disabled, or whose amount doesn't parse as a non-negative decimal.
func validateAllowances(assetsCfg *AssetsConfig, allowances []Allowance) error {
	if len(allowances) == 0 {
		return nil
	}

	supported := make(map[string]bool, len(assetsCfg.Assets))
	for _, asset := range assetsCfg.Assets {
		if !asset.Disabled {
			supported[asset.Symbol] = true
		}
	}

	for _, allowance := range allowances {
		if !supported[allowance.Asset] {
			return fmt.Errorf("asset '%s' is not supported", allowance.Asset)
		}

		amount, err := decimal.NewFromString(allowance.Amount)
		if err != nil {
			return fmt.Errorf("invalid amount '%s' for asset '%s': %w", allowance.Amount, allowance.Asset, err)
		}
		if amount.LessThan(decimal.Zero) {
			return fmt.Errorf("allowance amount cannot be negative for asset '%s', got '%s'", allowance.Asset, allowance.Amount)
		}
	}
	return nil
}
