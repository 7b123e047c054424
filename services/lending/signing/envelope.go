// Package signing defines the signed envelope that authorises user
// operations against the lending API.
package signing

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"lendcore/crypto"
)

// Actions accepted in an envelope.
const (
	ActionInitUser  = "init_user"
	ActionDeposit   = "deposit"
	ActionWithdraw  = "withdraw"
	ActionBorrow    = "borrow"
	ActionRepay     = "repay"
	ActionLiquidate = "liquidate"
)

const domainTag = "lendcore.envelope.v1"

var (
	// ErrBadSignature is returned when the signature does not recover to the
	// envelope's user.
	ErrBadSignature = errors.New("signing: signature does not match user")
	// ErrMalformed is returned for envelopes missing required fields.
	ErrMalformed = errors.New("signing: malformed envelope")
)

// Envelope is the payload a user signs. Amounts are decimal strings in JSON
// so clients in any language keep full u64 precision.
type Envelope struct {
	Action          string `json:"action"`
	User            string `json:"user"`
	Asset           string `json:"asset,omitempty"`
	Amount          uint64 `json:"amount,string"`
	CollateralAsset string `json:"collateral_asset,omitempty"`
	Borrower        string `json:"borrower,omitempty"`
	Nonce           uint64 `json:"nonce,string"`
}

// SignedEnvelope is the request body of every signed route.
type SignedEnvelope struct {
	Envelope  Envelope `json:"envelope"`
	Signature string   `json:"signature"`
}

type canonicalEnvelope struct {
	Domain          string
	ProgramID       []byte
	Action          string
	User            []byte
	Asset           string
	Amount          uint64
	CollateralAsset string
	Borrower        []byte
	Nonce           uint64
}

// Digest is the keccak256 hash of the envelope's canonical RLP encoding,
// bound to programID so signatures cannot be replayed against another
// deployment.
func (e Envelope) Digest(programID []byte) ([]byte, error) {
	user, err := crypto.DecodeAddress(strings.TrimSpace(e.User))
	if err != nil {
		return nil, fmt.Errorf("%w: user: %v", ErrMalformed, err)
	}
	var borrower []byte
	if trimmed := strings.TrimSpace(e.Borrower); trimmed != "" {
		addr, err := crypto.DecodeAddress(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: borrower: %v", ErrMalformed, err)
		}
		borrower = addr.Bytes()
	}
	encoded, err := rlp.EncodeToBytes(canonicalEnvelope{
		Domain:          domainTag,
		ProgramID:       programID,
		Action:          strings.ToLower(strings.TrimSpace(e.Action)),
		User:            user.Bytes(),
		Asset:           strings.ToUpper(strings.TrimSpace(e.Asset)),
		Amount:          e.Amount,
		CollateralAsset: strings.ToUpper(strings.TrimSpace(e.CollateralAsset)),
		Borrower:        borrower,
		Nonce:           e.Nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return crypto.Keccak256(encoded), nil
}

// Sign produces a signed envelope for key. The envelope's User is set to
// the key's address.
func Sign(key *crypto.PrivateKey, programID []byte, env Envelope) (SignedEnvelope, error) {
	env.User = key.PubKey().Address().String()
	digest, err := env.Digest(programID)
	if err != nil {
		return SignedEnvelope{}, err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return SignedEnvelope{}, err
	}
	return SignedEnvelope{Envelope: env, Signature: "0x" + hex.EncodeToString(sig)}, nil
}

// Verify recovers the signer and checks it is the envelope's user.
func (s SignedEnvelope) Verify(programID []byte) (crypto.Address, error) {
	digest, err := s.Envelope.Digest(programID)
	if err != nil {
		return crypto.Address{}, err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s.Signature), "0x"))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: signature encoding", ErrBadSignature)
	}
	signer, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	user, _ := crypto.DecodeAddress(strings.TrimSpace(s.Envelope.User))
	if !signer.Equal(user) {
		return crypto.Address{}, ErrBadSignature
	}
	return user, nil
}
