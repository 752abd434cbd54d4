// Package oauthstate issues and verifies the CSRF state carried through the
// OAuth authorization redirect.
//
// A token is "signature.timestamp.userID" where signature is the hex
// HMAC-SHA256 of "timestamp.userID" under a shared secret.
package oauthstate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// TTL is how long an issued state stays valid.
const TTL = 10 * time.Minute

var (
	ErrMalformed    = errors.New("oauth state: malformed")
	ErrBadSignature = errors.New("oauth state: signature mismatch")
	ErrExpired      = errors.New("oauth state: expired")
)

type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// Issue returns a state token binding userID to the current time.
func (s *Signer) Issue(userID int64) string {
	payload := strconv.FormatInt(s.now().Unix(), 10) + "." + strconv.FormatInt(userID, 10)
	return s.sign(payload) + "." + payload
}

// Verify returns the user the token was issued for.
func (s *Signer) Verify(token string) (int64, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return 0, ErrMalformed
	}
	sig, tsPart, userPart := parts[0], parts[1], parts[2]

	issuedAt, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, ErrMalformed
	}
	userID, err := strconv.ParseInt(userPart, 10, 64)
	if err != nil {
		return 0, ErrMalformed
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return 0, ErrMalformed
	}

	want, _ := hex.DecodeString(s.sign(tsPart + "." + userPart))
	if !hmac.Equal(got, want) {
		return 0, ErrBadSignature
	}

	age := s.now().Sub(time.Unix(issuedAt, 0))
	if age > TTL || age < -time.Minute {
		return 0, ErrExpired
	}
	return userID, nil
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
