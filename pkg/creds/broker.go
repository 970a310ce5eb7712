package creds

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetview/console/pkg/registry"
)

// DefaultRoleName is used when a session was finalized without an explicit role.
const DefaultRoleName = "AdministratorAccess"

var (
	// ErrNoSession is returned when no login session is active.
	ErrNoSession = errors.New("no active session")
	// ErrNoAccount is returned when no AWS account could be derived from a
	// cluster's kubeconfig.
	ErrNoAccount = errors.New("no account id in cluster config")
	// ErrNotAvailable is returned when the upstream credential exchange failed.
	ErrNotAvailable = errors.New("credentials not available")
)

var exchangeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fleetview_credential_exchanges_total",
	Help: "Role credential exchange calls against IAM Identity Center.",
}, []string{"result"})

// Session is the process-wide federated login state. At most one exists;
// replacing it invalidates every cached credential from the previous identity.
type Session struct {
	AccessToken string
	Region      string
	RoleName    string
}

// Credentials are temporary account-scoped AWS credentials.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// RoleCredentialAPI exchanges a federated access token for temporary
// role credentials in one account. Implemented by the SSO client in
// production and by fakes in tests.
type RoleCredentialAPI interface {
	GetRoleCredentials(ctx context.Context, accessToken, accountID, roleName, region string) (*Credentials, error)
}

// Broker resolves per-cluster credentials from the single login session,
// caching them per account until they expire. All state is guarded by one
// mutex; resolution is cheap (map lookup) outside the exchange call.
type Broker struct {
	mu       sync.Mutex
	session  *Session
	cache    map[string]*Credentials
	exchange RoleCredentialAPI
	now      func() time.Time

	// generation counts session changes. An exchange started under one
	// generation must not install its result once the session has moved on.
	generation uint64

	readConfig func(path string) ([]byte, error)
}

// NewBroker creates a broker using the given exchange implementation.
func NewBroker(exchange RoleCredentialAPI) *Broker {
	return &Broker{
		cache:      make(map[string]*Credentials),
		exchange:   exchange,
		now:        time.Now,
		readConfig: os.ReadFile,
	}
}

// SetSession installs a new session and clears the entire credential cache.
// Credentials minted under a previous identity must never leak into the new
// session.
func (b *Broker) SetSession(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.session = s
	b.generation++
	b.cache = make(map[string]*Credentials)
}

// ClearSession drops the session and all cached credentials.
func (b *Broker) ClearSession() {
	b.SetSession(nil)
}

// Session returns a copy of the active session, or nil.
func (b *Broker) Session() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	s := *b.session
	return &s
}

// Resolve returns temporary credentials for the cluster's AWS account.
//
// The account id comes from a best-effort pattern scan over the raw
// kubeconfig (EKS cluster ARN first, IAM role ARN as fallback). A cached
// entry is honored while its expiration is strictly in the future; there is
// no refresh-ahead margin. A failed exchange returns ErrNotAvailable and
// leaves any stale entry in place so a later retry can still find it.
func (b *Broker) Resolve(ctx context.Context, cluster *registry.Cluster) (*Credentials, error) {
	b.mu.Lock()
	session := b.session
	generation := b.generation
	b.mu.Unlock()
	if session == nil {
		return nil, ErrNoSession
	}

	content, err := b.readConfig(cluster.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster config: %w", err)
	}
	accountID, ok := AccountID(content)
	if !ok {
		return nil, fmt.Errorf("cluster %q: %w", cluster.ID, ErrNoAccount)
	}

	b.mu.Lock()
	cached, hit := b.cache[accountID]
	now := b.now()
	b.mu.Unlock()
	if hit && cached.Expiration.After(now) {
		return cached, nil
	}

	roleName := session.RoleName
	if roleName == "" {
		roleName = DefaultRoleName
	}

	fresh, err := b.exchange.GetRoleCredentials(ctx, session.AccessToken, accountID, roleName, session.Region)
	if err != nil {
		exchangeCalls.WithLabelValues("error").Inc()
		log.Printf("[broker] credential exchange failed for account %s: %v", accountID, err)
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotAvailable)
	}
	exchangeCalls.WithLabelValues("ok").Inc()

	// Only install the result if the session is still the one the exchange
	// ran under. A login or logout during the round trip means these
	// credentials belong to the previous identity; the in-flight caller may
	// still use them, but they must not outlive the request.
	b.mu.Lock()
	if b.generation == generation {
		b.cache[accountID] = fresh
	}
	b.mu.Unlock()
	return fresh, nil
}

// ScopeFor resolves credentials for the cluster and wraps them in a Scope.
// Every resolution failure degrades to an empty scope: the probe proceeds
// with whatever ambient credentials exist and fails naturally, which keeps a
// single error path for the caller.
func (b *Broker) ScopeFor(ctx context.Context, cluster *registry.Cluster) *Scope {
	creds, err := b.Resolve(ctx, cluster)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			log.Printf("[broker] no credentials for cluster %s: %v", cluster.ID, err)
		}
		return &Scope{}
	}
	return &Scope{creds: creds}
}
