package credentials

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidPassword is returned when a password does not verify.
var ErrInvalidPassword = errors.New("invalid password")

// Credentials are the broker credentials handed out by bootstrap.
type Credentials struct {
	Username          string    `json:"username"`
	ClientID          string    `json:"clientId"`
	Password          string    `json:"password"`
	PasswordExpiresAt time.Time `json:"passwordExpiresAt"`
}

// Minter creates and verifies device passwords. Passwords are signed
// JWTs whose subject is the broker identity.
type Minter struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewMinter returns a Minter. The secret is mandatory.
func NewMinter(secret []byte, ttl time.Duration) *Minter {
	if len(secret) == 0 {
		panic("credentials secret is missing")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Minter{secret: secret, ttl: ttl, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (m *Minter) WithClock(now func() time.Time) *Minter {
	m.now = now
	return m
}

// Mint returns fresh credentials for a device.
func (m *Minter) Mint(tenantID, deviceID string) (Credentials, error) {
	identity, err := BrokerIdentity(tenantID, deviceID)
	if err != nil {
		return Credentials{}, err
	}
	expiresAt := m.now().Add(m.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   identity,
		IssuedAt:  jwt.NewNumericDate(m.now()),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	})
	password, err := token.SignedString(m.secret)
	if err != nil {
		return Credentials{}, err
	}

	return Credentials{
		Username:          identity,
		ClientID:          identity + "_" + uuid.NewString()[:8],
		Password:          password,
		PasswordExpiresAt: expiresAt,
	}, nil
}

// Verify checks a password and returns the tenant and device it was
// minted for.
func (m *Minter) Verify(password string) (tenantID, deviceID string, err error) {
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(password, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.now() }))
	if err != nil || !token.Valid {
		return "", "", ErrInvalidPassword
	}
	tenantID, deviceID, ok := ParseBrokerIdentity(claims.Subject)
	if !ok {
		return "", "", ErrInvalidPassword
	}
	return tenantID, deviceID, nil
}

// BrokerIdentity builds the "{tenant}_{device}" identity. Both parts
// must be free of underscores so the identity parses unambiguously.
func BrokerIdentity(tenantID, deviceID string) (string, error) {
	if tenantID == "" || deviceID == "" {
		return "", fmt.Errorf("tenant and device id must not be empty")
	}
	if strings.Contains(tenantID, "_") || strings.Contains(deviceID, "_") {
		return "", fmt.Errorf("broker identities must not contain '_'")
	}
	return tenantID + "_" + deviceID, nil
}

// ParseBrokerIdentity splits "{tenant}_{device}[_suffix...]" into its
// tenant and device parts.
func ParseBrokerIdentity(s string) (tenantID, deviceID string, ok bool) {
	parts := strings.Split(s, "_")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ParseConnectClientID splits the connection-time "{tenant}:{device}"
// client id.
func ParseConnectClientID(s string) (tenantID, deviceID string, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
