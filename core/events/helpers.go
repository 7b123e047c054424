package events

import (
	"strconv"
	"strings"

	"lendcore/crypto"
)

func normalizeAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}

func formatAccount(raw [20]byte) string {
	return crypto.MustNewAddress(crypto.AccountPrefix, raw[:]).String()
}

func formatProgram(raw [20]byte) string {
	return crypto.MustNewAddress(crypto.ProgramPrefix, raw[:]).String()
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
