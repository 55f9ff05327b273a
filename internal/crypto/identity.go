package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"time"
)

// IdentityAuth authenticates actor headers forwarded by the identity
// service. The signature is HMAC-SHA256(secret, ts|actorID|accountID|wallet)
// encoded as base64.
type IdentityAuth struct {
	Secret  []byte
	MaxSkew time.Duration
}

var (
	errStaleIdentity = errors.New("crypto: identity timestamp outside allowed skew")
	errBadIdentity   = errors.New("crypto: identity signature mismatch")
)

// Sign returns the signature for the given identity at unix time ts.
func (a IdentityAuth) Sign(ts int64, actorID, accountID, wallet string) string {
	mac := hmac.New(sha256.New, a.Secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10) + "|" + actorID + "|" + accountID + "|" + wallet))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks sig and that ts is within MaxSkew of now.
func (a IdentityAuth) Verify(now time.Time, tsHeader, actorID, accountID, wallet, sig string) error {
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return errStaleIdentity
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if a.MaxSkew > 0 && skew > a.MaxSkew {
		return errStaleIdentity
	}
	want := a.Sign(ts, actorID, accountID, wallet)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return errBadIdentity
	}
	return nil
}
