package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lestrrat-go/jwx/v2/jwt"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultIAMEndpoint = "https://iam.cloud.ibm.com"

	grantTypeCRToken = "urn:ibm:params:oauth:grant-type:cr-token"
	grantTypeAPIKey  = "urn:ibm:params:oauth:grant-type:apikey"

	exchangeTimeout = 10 * time.Second
	retryInterval   = 2 * time.Second
)

var (
	ErrNoCredentials = errors.New(
		"no credentials available: configure ibm_cloud.trusted_profile_id and run with a CI identity token, " +
			"or set IBM_CLOUD_API_KEY and IBM_COS_SERVICE_INSTANCE_ID")
	ErrExpiredIdentityToken = errors.New("the CI identity token has already expired")
	ErrTokenRejected        = errors.New("the identity service rejected the token exchange")
)

// Resolver exchanges CI credentials for an IBM Cloud IAM bearer token.
//
// The trusted-profile path is preferred: a short-lived OIDC token minted by
// the CI provider is traded for an equally short-lived IAM token, so no
// long-lived secret ever lives in the build environment. The static API key
// path exists for accounts without a trusted profile set up.
type Resolver struct {
	Endpoint      string
	Client        *http.Client
	RetryInterval time.Duration
}

func NewResolver(endpoint string) *Resolver {
	if len(endpoint) == 0 {
		endpoint = DefaultIAMEndpoint
	}
	return &Resolver{
		Endpoint:      endpoint,
		RetryInterval: retryInterval,
		Client: &http.Client{
			Timeout: exchangeTimeout,
		},
	}
}

// Resolve picks an authentication path and performs the token exchange.
// Once the trusted-profile path is chosen it is committed to: a failed
// exchange is fatal and never silently falls back to the API key.
func (r *Resolver) Resolve(ctx context.Context, trustedProfileID string, m Material) (*Credential, error) {
	if len(trustedProfileID) > 0 && len(m.OIDCToken) > 0 {
		log.Info("Authenticating with trusted profile (CI identity token exchange)")
		return r.resolveTrustedProfile(ctx, trustedProfileID, m.OIDCToken)
	}

	if len(m.APIKey) > 0 && len(m.ServiceInstanceID) > 0 {
		log.Info("Authenticating with static API key")
		return r.resolveAPIKey(ctx, m.APIKey, m.ServiceInstanceID)
	}

	return nil, ErrNoCredentials
}

func (r *Resolver) resolveTrustedProfile(ctx context.Context, profileID, oidcToken string) (*Credential, error) {
	err := preflightIdentityToken(oidcToken)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", grantTypeCRToken)
	form.Set("cr_token", oidcToken)
	form.Set("profile_id", profileID)

	tok, err := r.exchange(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("trusted profile token exchange: %w", err)
	}

	cred := tok.credential(SourceTrustedProfile, "")
	log.Infof("Obtained access token via trusted profile; expires %s", cred.Expiry.Format(time.RFC3339))

	return cred, nil
}

func (r *Resolver) resolveAPIKey(ctx context.Context, apiKey, serviceInstanceID string) (*Credential, error) {
	form := url.Values{}
	form.Set("grant_type", grantTypeAPIKey)
	form.Set("apikey", apiKey)

	tok, err := r.exchange(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("API key token exchange: %w", err)
	}

	cred := tok.credential(SourceAPIKey, serviceInstanceID)
	log.Infof("Obtained access token via API key; expires %s", cred.Expiry.Format(time.RFC3339))

	return cred, nil
}

// preflightIdentityToken parses the OIDC token without verifying its
// signature. Verification belongs to the identity service; this check only
// avoids burning a network round trip on a token that is already expired.
func preflightIdentityToken(raw string) error {
	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return fmt.Errorf("malformed CI identity token: %w", err)
	}

	exp := tok.Expiration()
	if !exp.IsZero() && exp.Before(time.Now()) {
		return fmt.Errorf("%w (at %s)", ErrExpiredIdentityToken, exp.Format(time.RFC3339))
	}

	log.Debugf("CI identity token subject: %s", tok.Subject())

	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Expiration  int64  `json:"expiration"`
}

func (t *tokenResponse) credential(source Source, serviceInstanceID string) *Credential {
	expiry := time.Unix(t.Expiration, 0)
	if t.Expiration == 0 {
		expiry = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return &Credential{
		AccessToken:       t.AccessToken,
		TokenType:         t.TokenType,
		Expiry:            expiry,
		Source:            source,
		ServiceInstanceID: serviceInstanceID,
	}
}

// exchange performs the form POST against the identity service. Transient
// failures (connection errors, 5xx) are retried once with backoff; a
// rejected token is terminal.
func (r *Resolver) exchange(ctx context.Context, form url.Values) (*tokenResponse, error) {
	var tok *tokenResponse

	operation := func() error {
		var err error
		tok, err = r.exchangeOnce(ctx, form)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.RetryInterval

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, 1), ctx))
	if err != nil {
		return nil, err
	}

	return tok, nil
}

func (r *Resolver) exchangeOnce(ctx context.Context, form url.Values) (*tokenResponse, error) {
	endpoint := strings.TrimSuffix(r.Endpoint, "/") + "/identity/token"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		log.Warnf("Identity service unreachable: %s", err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 500 {
		log.Warnf("Identity service returned %s", resp.Status)
		return nil, fmt.Errorf("identity service returned %s", resp.Status)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s: %s", ErrTokenRejected, resp.Status, strings.TrimSpace(string(body))))
	}

	tok := &tokenResponse{}
	err = json.Unmarshal(body, tok)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("invalid response from identity service: %w", err))
	}

	if len(tok.AccessToken) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("identity service response contains no access token"))
	}

	return tok, nil
}
