package crypto

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// MaxSeeds bounds the number of seeds accepted by a derivation.
	MaxSeeds = 16
	// MaxSeedLength bounds the byte length of any single seed.
	MaxSeedLength = 32
)

var (
	programAddressMarker = []byte("ProgramDerivedAddress")

	// ErrNoViableBump is returned when every bump yields a rejected address.
	ErrNoViableBump = errors.New("crypto: no viable bump for seeds")
)

// CreateProgramAddress derives the account owned by programID for the given
// seeds and bump. The result carries ProgramPrefix and has no private key.
func CreateProgramAddress(programID []byte, seeds [][]byte, bump uint8) (Address, error) {
	if len(programID) != AddressLength {
		return Address{}, fmt.Errorf("crypto: program id must be %d bytes", AddressLength)
	}
	if len(seeds) > MaxSeeds {
		return Address{}, fmt.Errorf("crypto: at most %d seeds allowed", MaxSeeds)
	}
	parts := make([][]byte, 0, len(seeds)+3)
	parts = append(parts, programID)
	for i, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return Address{}, fmt.Errorf("crypto: seed %d exceeds %d bytes", i, MaxSeedLength)
		}
		parts = append(parts, seed)
	}
	parts = append(parts, []byte{bump}, programAddressMarker)
	digest := crypto.Keccak256(parts...)
	candidate := digest[len(digest)-AddressLength:]
	if isZero(candidate) || bytes.Equal(candidate, programID) {
		return Address{}, ErrNoViableBump
	}
	return NewAddress(ProgramPrefix, candidate)
}

// FindProgramAddress walks bumps from 255 downward and returns the first
// viable derived address together with its canonical bump.
func FindProgramAddress(programID []byte, seeds ...[]byte) (Address, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		addr, err := CreateProgramAddress(programID, seeds, uint8(bump))
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrNoViableBump) {
			return Address{}, 0, err
		}
	}
	return Address{}, 0, ErrNoViableBump
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
