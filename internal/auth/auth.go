// Package auth guards the HTTP control surface. Callers authenticate with
// HTTP basic credentials (configured users or API clients) or with a bearer
// JWT obtained from the login endpoint.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Roles understood by the router. RoleAdmin implies every other role.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator" // may acquire and reap
	RoleViewer   = "viewer"   // may read status
)

const issuer = "gridvisor"

type Method string

const (
	MethodBasic        Method = "basic"
	MethodClientSecret Method = "client_secret"
	MethodJWT          Method = "jwt"
)

type Config struct {
	Enabled    bool          `mapstructure:"enabled"`
	JWTSecret  string        `mapstructure:"jwt_secret"` // random per process when empty
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
	Users      []User        `mapstructure:"users"`
	Clients    []Client      `mapstructure:"clients"`
}

// User authenticates with a password checked against a bcrypt hash.
type User struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	Roles        []string `mapstructure:"roles"`
}

// Client is a machine credential with a shared secret.
type Client struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Roles        []string `mapstructure:"roles"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Users) == 0 && len(c.Clients) == 0 {
		return errors.New("auth enabled without users or clients")
	}
	seen := map[string]bool{}
	for i, u := range c.Users {
		if u.Username == "" {
			return fmt.Errorf("auth.users[%d]: username is required", i)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return fmt.Errorf("auth.users[%d] %s: password_hash is not a bcrypt hash", i, u.Username)
		}
		if seen[u.Username] {
			return fmt.Errorf("auth: duplicate principal %q", u.Username)
		}
		seen[u.Username] = true
	}
	for i, cl := range c.Clients {
		if cl.ClientID == "" || cl.ClientSecret == "" {
			return fmt.Errorf("auth.clients[%d]: client_id and client_secret are required", i)
		}
		if seen[cl.ClientID] {
			return fmt.Errorf("auth: duplicate principal %q", cl.ClientID)
		}
		seen[cl.ClientID] = true
	}
	return nil
}

// Result describes an authenticated caller.
type Result struct {
	Subject string   `json:"subject"`
	Method  Method   `json:"method"`
	Roles   []string `json:"roles,omitempty"`
}

// HasRole reports whether the caller holds any of roles.
func (r *Result) HasRole(roles ...string) bool {
	if r == nil {
		return false
	}
	if slices.Contains(r.Roles, RoleAdmin) {
		return true
	}
	for _, want := range roles {
		if slices.Contains(r.Roles, want) {
			return true
		}
	}
	return false
}

// Token is a signed bearer token.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Claims struct {
	Roles  []string `json:"roles"`
	Method Method   `json:"method"`
	jwt.RegisteredClaims
}

type Service struct {
	enabled bool
	secret  []byte
	ttl     time.Duration
	users   map[string]User
	clients map[string]Client
	now     func() time.Time
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	s := &Service{
		enabled: cfg.Enabled,
		secret:  secret,
		ttl:     cfg.TokenTTL,
		users:   make(map[string]User, len(cfg.Users)),
		clients: make(map[string]Client, len(cfg.Clients)),
		now:     time.Now,
	}
	if s.ttl <= 0 {
		s.ttl = 12 * time.Hour
	}
	for _, u := range cfg.Users {
		s.users[u.Username] = u
	}
	for _, c := range cfg.Clients {
		s.clients[c.ClientID] = c
	}
	return s, nil
}

func (s *Service) Enabled() bool { return s != nil && s.enabled }

// HashPassword returns the bcrypt hash to put in auth.users.password_hash.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword authenticates a user or an API client.
func (s *Service) CheckPassword(name, secret string) (*Result, error) {
	if name == "" || secret == "" {
		return nil, ErrInvalidCredentials
	}
	if u, ok := s.users[name]; ok {
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(secret)) != nil {
			return nil, ErrInvalidCredentials
		}
		return &Result{Subject: u.Username, Method: MethodBasic, Roles: u.Roles}, nil
	}
	if c, ok := s.clients[name]; ok {
		if subtle.ConstantTimeCompare([]byte(c.ClientSecret), []byte(secret)) != 1 {
			return nil, ErrInvalidCredentials
		}
		return &Result{Subject: c.ClientID, Method: MethodClientSecret, Roles: c.Roles}, nil
	}
	return nil, ErrInvalidCredentials
}

// Login checks credentials and issues a bearer token for them.
func (s *Service) Login(name, secret string) (*Result, *Token, error) {
	res, err := s.CheckPassword(name, secret)
	if err != nil {
		return nil, nil, err
	}
	tok, err := s.issue(res)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate token: %w", err)
	}
	return res, tok, nil
}

func (s *Service) issue(res *Result) (*Token, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := Claims{
		Roles:  res.Roles,
		Method: res.Method,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   res.Subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	v, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, err
	}
	return &Token{Type: "Bearer", Value: v, ExpiresAt: exp}, nil
}

// VerifyToken validates a bearer token issued by Login.
func (s *Service) VerifyToken(raw string) (*Result, error) {
	if raw == "" {
		return nil, ErrInvalidCredentials
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Result{Subject: claims.Subject, Method: MethodJWT, Roles: claims.Roles}, nil
}

// Authenticate reads a bearer token or basic credentials from r.
func (s *Service) Authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, rest, _ := strings.Cut(h, " ")
		if strings.EqualFold(scheme, "bearer") {
			return s.VerifyToken(strings.TrimSpace(rest))
		}
	}
	if name, secret, ok := r.BasicAuth(); ok {
		return s.CheckPassword(name, secret)
	}
	return nil, ErrInvalidCredentials
}
