package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// User is the resolved identity of the person behind the browser tab.
type User struct {
	ID        string
	Anonymous bool
}

// Provider is the opaque identity capability the sync core consumes. The
// mechanics of token issuance live behind it; callers only ever need the
// current user and a fresh ID token.
type Provider interface {
	// Current returns nil until identity resolution has completed.
	Current() *User
	IsAnonymous() bool
	IDToken(ctx context.Context) (string, error)
	SignInAnonymously(ctx context.Context) error
	SignIn(ctx context.Context, userID string) error
	SignOut(ctx context.Context) error
	// Subscribe registers a callback invoked on every identity change.
	// An anonymous-to-authenticated transition must reset all per-session
	// state, so the container wires the session reset through this.
	Subscribe(fn func(*User))
}

var ErrNoIdentity = errors.New("identity: no current user")

// JWTProvider mints and refreshes HS256 ID tokens locally. It doubles as the
// token authority the proxy middleware verifies against.
type JWTProvider struct {
	secret []byte
	ttl    time.Duration

	mu          sync.Mutex
	current     *User
	subscribers []func(*User)
}

func NewJWTProvider(secret string, ttl time.Duration) (*JWTProvider, error) {
	if secret == "" {
		return nil, errors.New("identity: empty JWT secret")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTProvider{secret: []byte(secret), ttl: ttl}, nil
}

func (p *JWTProvider) Current() *User {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	u := *p.current
	return &u
}

func (p *JWTProvider) IsAnonymous() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	// No resolved user behaves as anonymous, matching the auth layer the
	// browser client falls back to before sign-in completes.
	return p.current == nil || p.current.Anonymous
}

// IDToken signs a fresh token for the current user.
func (p *JWTProvider) IDToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	user := p.current
	p.mu.Unlock()
	if user == nil {
		return "", ErrNoIdentity
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":   user.ID,
		"anonymous": user.Anonymous,
		"iat":       now.Unix(),
		"exp":       now.Add(p.ttl).Unix(),
	})
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// SignInAnonymously creates a throwaway identity. Called automatically when
// no identity exists at startup.
func (p *JWTProvider) SignInAnonymously(ctx context.Context) error {
	p.setCurrent(&User{ID: "anon_" + uuid.NewString(), Anonymous: true})
	return nil
}

func (p *JWTProvider) SignIn(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("identity: empty user id")
	}
	p.setCurrent(&User{ID: userID, Anonymous: false})
	return nil
}

// SignOut drops the current user and immediately re-establishes an anonymous
// one, mirroring the browser flow where sign-out always lands on a fresh
// anonymous identity rather than a signed-out dead state.
func (p *JWTProvider) SignOut(ctx context.Context) error {
	return p.SignInAnonymously(ctx)
}

func (p *JWTProvider) Subscribe(fn func(*User)) {
	p.mu.Lock()
	p.subscribers = append(p.subscribers, fn)
	p.mu.Unlock()
}

func (p *JWTProvider) setCurrent(u *User) {
	p.mu.Lock()
	p.current = u
	subs := make([]func(*User), len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.Unlock()

	copyUser := *u
	for _, fn := range subs {
		fn(&copyUser)
	}
}

// Claims is the verified content of a browser-issued ID token.
type Claims struct {
	UserID    string
	Anonymous bool
}

// VerifyIDToken validates a bearer token against the shared secret. Used at
// the proxy boundary; the sync core never calls this.
func (p *JWTProvider) VerifyIDToken(tokenStr string) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("identity: invalid token")
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("identity: invalid claims")
	}
	userID, _ := mapClaims["user_id"].(string)
	if userID == "" {
		return nil, errors.New("identity: token missing user_id")
	}
	anonymous, _ := mapClaims["anonymous"].(bool)
	return &Claims{UserID: userID, Anonymous: anonymous}, nil
}
