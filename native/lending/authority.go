package lending

import (
	"fmt"

	"lendcore/crypto"
)

// TreasurySeed tags every treasury derivation.
const TreasurySeed = "Treasury"

// Role scopes what an Authority may move.
type Role string

const (
	// RoleOwner authorises a user to move funds out of their own account.
	RoleOwner Role = "owner"
	// RoleTreasury authorises a bank's custodial account to release funds.
	RoleTreasury Role = "treasury"
)

// Authority is a transfer capability bound to an asset and a role. Treasury
// authorities are produced by an AuthorityDeriver and carry no key material.
type Authority struct {
	Asset   string
	Role    Role
	Account crypto.Address
	Bump    uint8
}

// AuthorityDeriver derives program-owned accounts for one lending program.
type AuthorityDeriver struct {
	programID []byte
}

// NewAuthorityDeriver binds derivations to a 20-byte program id.
func NewAuthorityDeriver(programID []byte) (*AuthorityDeriver, error) {
	if len(programID) != crypto.AddressLength {
		return nil, fmt.Errorf("lending: program id must be %d bytes", crypto.AddressLength)
	}
	return &AuthorityDeriver{programID: append([]byte(nil), programID...)}, nil
}

// ProgramID returns a copy of the program id.
func (d *AuthorityDeriver) ProgramID() []byte {
	return append([]byte(nil), d.programID...)
}

// Treasury derives the custodial account and signing capability for asset.
func (d *AuthorityDeriver) Treasury(asset string) (Authority, error) {
	normalized := NormalizeAsset(asset)
	if normalized == "" {
		return Authority{}, ErrUnknownAsset
	}
	addr, bump, err := crypto.FindProgramAddress(d.programID, []byte(TreasurySeed), []byte(normalized))
	if err != nil {
		return Authority{}, err
	}
	return Authority{Asset: normalized, Role: RoleTreasury, Account: addr, Bump: bump}, nil
}

// Owner wraps a user's own signature as a capability over their account.
func (d *AuthorityDeriver) Owner(asset string, owner crypto.Address) Authority {
	return Authority{Asset: NormalizeAsset(asset), Role: RoleOwner, Account: owner}
}

// Verify checks that auth may debit source for asset. Treasury capabilities
// are re-derived from their bump.
func (d *AuthorityDeriver) Verify(auth Authority, asset string, source crypto.Address) error {
	if auth.Asset != NormalizeAsset(asset) {
		return fmt.Errorf("authority scoped to %s, not %s: %w", auth.Asset, NormalizeAsset(asset), ErrUnauthorized)
	}
	if !auth.Account.Equal(source) {
		return fmt.Errorf("authority does not control source account: %w", ErrUnauthorized)
	}
	switch auth.Role {
	case RoleOwner:
		if auth.Account.Prefix() != crypto.AccountPrefix {
			return fmt.Errorf("owner authority on program account: %w", ErrUnauthorized)
		}
		return nil
	case RoleTreasury:
		expected, err := crypto.CreateProgramAddress(d.programID, [][]byte{[]byte(TreasurySeed), []byte(auth.Asset)}, auth.Bump)
		if err != nil {
			return fmt.Errorf("%v: %w", err, ErrUnauthorized)
		}
		if !expected.Equal(auth.Account) {
			return fmt.Errorf("treasury authority derivation mismatch: %w", ErrUnauthorized)
		}
		return nil
	default:
		return fmt.Errorf("unknown role %q: %w", auth.Role, ErrUnauthorized)
	}
}
