package state

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lendcore/native/lending"
)

var (
	lendingBankPrefix     = []byte("lending:bank:")
	lendingPositionPrefix = []byte("lending:position:")
	lendingBankListKey    = ethcrypto.Keccak256([]byte("lending:bank-list"))
)

func lendingBankKey(asset string) []byte {
	return prefixedKey(lendingBankPrefix, []byte(lending.NormalizeAsset(asset)))
}

func lendingPositionKey(owner [20]byte) []byte {
	return prefixedKey(lendingPositionPrefix, owner[:])
}

// LendingBank returns the bank for asset or nil when none exists.
func (m *Manager) LendingBank(asset string) (*lending.Bank, error) {
	bank := new(lending.Bank)
	ok, err := m.get(lendingBankKey(asset), bank)
	if err != nil || !ok {
		return nil, err
	}
	return bank, nil
}

// PutLendingBank stores bank and indexes its asset.
func (m *Manager) PutLendingBank(bank *lending.Bank) error {
	list, err := m.loadStringList(lendingBankListKey)
	if err != nil {
		return err
	}
	asset := lending.NormalizeAsset(bank.Asset)
	if updated := insertSorted(list, asset); len(updated) != len(list) {
		if err := m.put(lendingBankListKey, updated); err != nil {
			return err
		}
	}
	return m.put(lendingBankKey(asset), bank)
}

// LendingBanks lists the assets with a bank, sorted.
func (m *Manager) LendingBanks() ([]string, error) {
	return m.loadStringList(lendingBankListKey)
}

// LendingPosition returns the owner's position or nil when none exists.
func (m *Manager) LendingPosition(owner [20]byte) (*lending.UserPosition, error) {
	position := new(lending.UserPosition)
	ok, err := m.get(lendingPositionKey(owner), position)
	if err != nil || !ok {
		return nil, err
	}
	return position, nil
}

// PutLendingPosition stores a position keyed by its owner.
func (m *Manager) PutLendingPosition(position *lending.UserPosition) error {
	return m.put(lendingPositionKey(position.Owner), position)
}
