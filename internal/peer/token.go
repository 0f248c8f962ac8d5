package peer

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Link tokens bind a websocket connection to one handshake session. The
// offer carries the token; the responder presents it when dialing, and the
// initiator only accepts connections signed with the shop's shared key.
// A scanned code from a stranger's terminal can therefore never attach.

// LinkClaims are the claims inside a link token.
type LinkClaims struct {
	SessionID  string `json:"sid"`
	InstanceID string `json:"ins"`
	jwt.RegisteredClaims
}

const linkTokenTTL = 15 * time.Minute

// MintLinkToken issues a signed token for one session.
func MintLinkToken(storeKey, sessionID, instanceID string) (string, error) {
	claims := LinkClaims{
		SessionID:  sessionID,
		InstanceID: instanceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(linkTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(storeKey))
	if err != nil {
		return "", fmt.Errorf("peer: mint link token: %w", err)
	}
	return signed, nil
}

// VerifyLinkToken checks signature and expiry and returns the claims.
func VerifyLinkToken(storeKey, tokenString string) (*LinkClaims, error) {
	claims := &LinkClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(storeKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignal, err)
	}
	if !token.Valid || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: invalid link token", ErrBadSignal)
	}
	return claims, nil
}
