package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// brokerClaims is the payload of the signed web token a browser client
// presents to exchange for a SASL grant: proof, issued by the instance's own
// web login flow, that the bearer controls did.
type brokerClaims struct {
	jwt.RegisteredClaims
	DID string `json:"did"`
}

// brokerSecret derives an HMAC signing key from the policy authority's
// private key, so the broker needs no separate key file: anyone able to
// mint membership attestations is already trusted to mint broker grants.
func (s *Server) brokerSecret() []byte {
	key := s.cfg.Registry.AuthorityKey
	if len(key) == 0 {
		return nil
	}
	return []byte(key)
}

// IssueBrokerToken mints a short-lived signed web token for did, for use by
// the instance's own web login flow (not exposed over HTTP itself — the
// login flow that authenticates a browser session is out of scope here).
func (s *Server) IssueBrokerToken(did string, ttl time.Duration) (string, error) {
	claims := brokerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    s.cfg.ServerName,
		},
		DID: did,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.brokerSecret())
}

type brokerRequest struct {
	Token string `json:"token"`
}

type brokerResponse struct {
	DID           string `json:"did"`
	SASLMechanism string `json:"sasl_mechanism"`
}

// handleBrokerSession verifies a signed web token and, if valid, records a
// one-time SASL grant for its DID: the client then connects over IRC and
// completes SASL with the BROKER mechanism, presenting just that DID in
// place of a signature.
func (s *Server) handleBrokerSession(w http.ResponseWriter, r *http.Request) {
	var req brokerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	claims := &brokerClaims{}
	_, err := jwt.ParseWithClaims(req.Token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return s.brokerSecret(), nil
	}, jwt.WithIssuer(s.cfg.ServerName))
	if err != nil || claims.DID == "" {
		writeError(w, http.StatusUnauthorized, "invalid or expired web token")
		return
	}

	s.cfg.Registry.Brokers.Grant(claims.DID)
	writeJSON(w, http.StatusOK, brokerResponse{DID: claims.DID, SASLMechanism: "BROKER"})
}
