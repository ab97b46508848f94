package httpapi

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	operatorUsername = "operator"
	roleOperator     = "operator"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errLoginDisabled      = errors.New("status login is disabled")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// AuthManager guards the status API with a single operator account. Without
// both a signing secret and a password, login is disabled and every protected
// route answers 401.
type AuthManager struct {
	secret       []byte
	tokenTTL     time.Duration
	passwordHash string
}

type statusClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

// NewAuthManager accepts the operator password either in plain text or as a
// bcrypt hash.
func NewAuthManager(secret string, tokenTTL time.Duration, password string) *AuthManager {
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	password = strings.TrimSpace(password)
	if password != "" && !isPasswordHash(password) {
		hashed, err := hashPassword(password)
		if err != nil {
			password = ""
		} else {
			password = hashed
		}
	}

	return &AuthManager{
		secret:       []byte(strings.TrimSpace(secret)),
		tokenTTL:     tokenTTL,
		passwordHash: password,
	}
}

func (a *AuthManager) Enabled() bool {
	return len(a.secret) > 0 && a.passwordHash != ""
}

func (a *AuthManager) Login(req LoginRequest) (LoginResponse, error) {
	if !a.Enabled() {
		return LoginResponse{}, errLoginDisabled
	}
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username != operatorUsername {
		return LoginResponse{}, errInvalidCredentials
	}
	if !verifyPassword(a.passwordHash, req.Password) {
		return LoginResponse{}, errInvalidCredentials
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, roleOperator, expiresAt)
	if err != nil {
		return LoginResponse{}, err
	}

	return LoginResponse{
		AccessToken: token,
		Role:        roleOperator,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (Actor, error) {
	if len(a.secret) == 0 {
		return Actor{}, errLoginDisabled
	}
	claims := &statusClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer("possync"))
	if err != nil || !token.Valid {
		return Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Actor{}, errors.New("invalid token subject")
	}
	return Actor{Username: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := statusClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "possync",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
