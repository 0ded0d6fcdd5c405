// Package adnetwork authenticates server-to-server view confirmations.
package adnetwork

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"rewardledger/internal/model"
)

// CallbackTopic is where brokers deliver Callback messages.
const CallbackTopic = "adnetwork.callbacks"

// Callback is the payload an ad network posts once a view finishes.
type Callback struct {
	SessionToken string  `json:"session_token"`
	RiskScore    float64 `json:"risk_score"`
	Signature    string  `json:"signature"`
	Network      string  `json:"network,omitempty"`
}

// Verifier checks hex(HMAC-SHA256(secret, token|risk_score)) signatures.
// With no secret every callback is unverified.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

func (v *Verifier) Sign(token string, riskScore float64) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(token + "|" + strconv.FormatFloat(riskScore, 'f', -1, 64)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify turns a callback into the proof CompleteSession consumes.
func (v *Verifier) Verify(cb Callback) model.VerificationProof {
	proof := model.VerificationProof{RiskScore: cb.RiskScore, Network: cb.Network}
	if !v.Enabled() || cb.SessionToken == "" {
		return proof
	}
	got, err := hex.DecodeString(cb.Signature)
	if err != nil {
		return proof
	}
	want, _ := hex.DecodeString(v.Sign(cb.SessionToken, cb.RiskScore))
	proof.Verified = hmac.Equal(got, want)
	return proof
}
