package creds

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sso"
	ssotypes "github.com/aws/aws-sdk-go-v2/service/sso/types"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	oidctypes "github.com/aws/aws-sdk-go-v2/service/ssooidc/types"
	"github.com/google/uuid"
)

const (
	clientName      = "fleetview-console"
	clientType      = "public"
	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	attemptTTL = 15 * time.Minute
)

// ErrAttemptNotFound is returned when polling an unknown or expired login attempt.
var ErrAttemptNotFound = errors.New("login attempt not found")

// OIDCAPI is the subset of the ssooidc client used for device authorization.
type OIDCAPI interface {
	RegisterClient(ctx context.Context, params *ssooidc.RegisterClientInput, optFns ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error)
	StartDeviceAuthorization(ctx context.Context, params *ssooidc.StartDeviceAuthorizationInput, optFns ...func(*ssooidc.Options)) (*ssooidc.StartDeviceAuthorizationOutput, error)
	CreateToken(ctx context.Context, params *ssooidc.CreateTokenInput, optFns ...func(*ssooidc.Options)) (*ssooidc.CreateTokenOutput, error)
}

// AccountAPI is the subset of the sso client used after a token is obtained.
type AccountAPI interface {
	ListAccounts(ctx context.Context, params *sso.ListAccountsInput, optFns ...func(*sso.Options)) (*sso.ListAccountsOutput, error)
	ListAccountRoles(ctx context.Context, params *sso.ListAccountRolesInput, optFns ...func(*sso.Options)) (*sso.ListAccountRolesOutput, error)
	GetRoleCredentials(ctx context.Context, params *sso.GetRoleCredentialsInput, optFns ...func(*sso.Options)) (*sso.GetRoleCredentialsOutput, error)
}

// LoginStart is what the UI needs to send the operator to the verification page.
type LoginStart struct {
	AttemptID               string `json:"attemptId"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	PollIntervalSeconds     int32  `json:"pollIntervalSeconds"`
}

// Account is one account visible to the logged-in identity.
type Account struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type loginAttempt struct {
	region       string
	clientID     string
	clientSecret string
	deviceCode   string
	accessToken  string
	createdAt    time.Time
}

// SSOClient drives the three-step device-authorization exchange against IAM
// Identity Center and doubles as the broker's RoleCredentialAPI. Attempt
// state lives in memory; attempts expire after fifteen minutes.
type SSOClient struct {
	mu       sync.Mutex
	attempts map[string]*loginAttempt

	oidcFor func(region string) OIDCAPI
	ssoFor  func(region string) AccountAPI
}

// NewSSOClient creates an SSOClient backed by real AWS service clients.
func NewSSOClient() *SSOClient {
	return &SSOClient{
		attempts: make(map[string]*loginAttempt),
		oidcFor: func(region string) OIDCAPI {
			return ssooidc.New(ssooidc.Options{Region: region})
		},
		ssoFor: func(region string) AccountAPI {
			return sso.New(sso.Options{Region: region})
		},
	}
}

// StartLogin registers an OIDC client and starts device authorization.
func (c *SSOClient) StartLogin(ctx context.Context, startURL, region string) (*LoginStart, error) {
	oidc := c.oidcFor(region)

	reg, err := oidc.RegisterClient(ctx, &ssooidc.RegisterClientInput{
		ClientName: aws.String(clientName),
		ClientType: aws.String(clientType),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register client: %w", err)
	}

	auth, err := oidc.StartDeviceAuthorization(ctx, &ssooidc.StartDeviceAuthorizationInput{
		ClientId:     reg.ClientId,
		ClientSecret: reg.ClientSecret,
		StartUrl:     aws.String(startURL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start device authorization: %w", err)
	}

	attempt := &loginAttempt{
		region:       region,
		clientID:     aws.ToString(reg.ClientId),
		clientSecret: aws.ToString(reg.ClientSecret),
		deviceCode:   aws.ToString(auth.DeviceCode),
		createdAt:    time.Now(),
	}
	id := uuid.New().String()

	c.mu.Lock()
	c.pruneLocked()
	c.attempts[id] = attempt
	c.mu.Unlock()

	log.Printf("[sso] device authorization started (attempt %s)", id)
	return &LoginStart{
		AttemptID:               id,
		UserCode:                aws.ToString(auth.UserCode),
		VerificationURI:         aws.ToString(auth.VerificationUri),
		VerificationURIComplete: aws.ToString(auth.VerificationUriComplete),
		PollIntervalSeconds:     auth.Interval,
	}, nil
}

// PollLogin attempts to redeem the device code. It returns done=false while
// the operator has not finished the browser step yet.
func (c *SSOClient) PollLogin(ctx context.Context, attemptID string) (done bool, err error) {
	attempt, err := c.attempt(attemptID)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	already := attempt.accessToken != ""
	c.mu.Unlock()
	if already {
		return true, nil
	}

	token, err := c.oidcFor(attempt.region).CreateToken(ctx, &ssooidc.CreateTokenInput{
		ClientId:     aws.String(attempt.clientID),
		ClientSecret: aws.String(attempt.clientSecret),
		DeviceCode:   aws.String(attempt.deviceCode),
		GrantType:    aws.String(deviceGrantType),
	})
	if err != nil {
		var pending *oidctypes.AuthorizationPendingException
		var slow *oidctypes.SlowDownException
		if errors.As(err, &pending) || errors.As(err, &slow) {
			return false, nil
		}
		return false, fmt.Errorf("token exchange failed: %w", err)
	}

	c.mu.Lock()
	attempt.accessToken = aws.ToString(token.AccessToken)
	c.mu.Unlock()
	log.Printf("[sso] access token obtained (attempt %s)", attemptID)
	return true, nil
}

// Accounts lists the accounts visible to a completed attempt.
func (c *SSOClient) Accounts(ctx context.Context, attemptID string) ([]Account, error) {
	attempt, err := c.completedAttempt(attemptID)
	if err != nil {
		return nil, err
	}

	out, err := c.ssoFor(attempt.region).ListAccounts(ctx, &sso.ListAccountsInput{
		AccessToken: aws.String(attempt.accessToken),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts := make([]Account, 0, len(out.AccountList))
	for _, a := range out.AccountList {
		accounts = append(accounts, Account{
			ID:    aws.ToString(a.AccountId),
			Name:  aws.ToString(a.AccountName),
			Email: aws.ToString(a.EmailAddress),
		})
	}
	return accounts, nil
}

// Roles lists the role names available in one account for a completed attempt.
func (c *SSOClient) Roles(ctx context.Context, attemptID, accountID string) ([]string, error) {
	attempt, err := c.completedAttempt(attemptID)
	if err != nil {
		return nil, err
	}

	out, err := c.ssoFor(attempt.region).ListAccountRoles(ctx, &sso.ListAccountRolesInput{
		AccessToken: aws.String(attempt.accessToken),
		AccountId:   aws.String(accountID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}

	roles := make([]string, 0, len(out.RoleList))
	for _, r := range out.RoleList {
		roles = append(roles, aws.ToString(r.RoleName))
	}
	return roles, nil
}

// Finalize turns a completed attempt into a Session and discards the attempt.
// Only the {token, region, role} triple survives; everything else about the
// handshake is forgotten.
func (c *SSOClient) Finalize(attemptID, roleName string) (*Session, error) {
	attempt, err := c.completedAttempt(attemptID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	delete(c.attempts, attemptID)
	c.mu.Unlock()

	return &Session{
		AccessToken: attempt.accessToken,
		Region:      attempt.region,
		RoleName:    roleName,
	}, nil
}

// GetRoleCredentials implements RoleCredentialAPI for the broker.
func (c *SSOClient) GetRoleCredentials(ctx context.Context, accessToken, accountID, roleName, region string) (*Credentials, error) {
	out, err := c.ssoFor(region).GetRoleCredentials(ctx, &sso.GetRoleCredentialsInput{
		AccessToken: aws.String(accessToken),
		AccountId:   aws.String(accountID),
		RoleName:    aws.String(roleName),
	})
	if err != nil {
		return nil, err
	}
	return roleCredentials(out.RoleCredentials), nil
}

func roleCredentials(rc *ssotypes.RoleCredentials) *Credentials {
	if rc == nil {
		return nil
	}
	return &Credentials{
		AccessKeyID:     aws.ToString(rc.AccessKeyId),
		SecretAccessKey: aws.ToString(rc.SecretAccessKey),
		SessionToken:    aws.ToString(rc.SessionToken),
		Expiration:      time.UnixMilli(rc.Expiration),
	}
}

func (c *SSOClient) attempt(id string) (*loginAttempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	attempt, ok := c.attempts[id]
	if !ok || time.Since(attempt.createdAt) > attemptTTL {
		delete(c.attempts, id)
		return nil, ErrAttemptNotFound
	}
	return attempt, nil
}

func (c *SSOClient) completedAttempt(id string) (*loginAttempt, error) {
	attempt, err := c.attempt(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if attempt.accessToken == "" {
		return nil, fmt.Errorf("attempt %s has no token yet: %w", id, ErrAttemptNotFound)
	}
	return attempt, nil
}

func (c *SSOClient) pruneLocked() {
	for id, attempt := range c.attempts {
		if time.Since(attempt.createdAt) > attemptTTL {
			delete(c.attempts, id)
		}
	}
}
