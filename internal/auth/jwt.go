package auth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the decoded view of a bearer token.
type Claims struct {
	ExpiresAt int64 // epoch seconds
	SubjectID int64
}

// Expired reports whether the claims are expired at now.
func (c Claims) Expired(now time.Time) bool {
	return c.ExpiresAt <= now.Unix()
}

// ClaimsDecoder decodes token claims without verifying the signature;
// verification is the server's job.
type ClaimsDecoder interface {
	Decode(token string) (Claims, error)
}

// JWTDecoder decodes compact JWTs.
type JWTDecoder struct {
	parser *jwt.Parser
}

// NewJWTDecoder returns a decoder for three-segment JWTs.
func NewJWTDecoder() *JWTDecoder {
	return &JWTDecoder{parser: jwt.NewParser(jwt.WithJSONNumber())}
}

// Decode returns the expiry and subject of token. Any malformed input,
// including a missing exp claim, yields ErrInvalidToken.
func (d *JWTDecoder) Decode(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	parser := d.parser
	if parser == nil {
		parser = jwt.NewParser(jwt.WithJSONNumber())
	}

	mapClaims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, mapClaims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	exp, err := mapClaims.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if exp == nil {
		return Claims{}, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}

	subject, err := subjectID(mapClaims)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Claims{ExpiresAt: exp.Unix(), SubjectID: subject}, nil
}

// subjectID reads the user id from user_id (SimpleJWT) or sub.
func subjectID(claims jwt.MapClaims) (int64, error) {
	raw, ok := claims["user_id"]
	if !ok {
		raw, ok = claims["sub"]
	}
	if !ok {
		return 0, nil
	}
	switch v := raw.(type) {
	case json.Number:
		return v.Int64()
	case float64:
		return int64(v), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, nil
		}
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported subject type %T", raw)
	}
}

// IsExpired reports whether token is expired at now. Decode failures count
// as expired.
func IsExpired(decoder ClaimsDecoder, token string, now time.Time) bool {
	claims, err := decoder.Decode(token)
	if err != nil {
		return true
	}
	return claims.Expired(now)
}
