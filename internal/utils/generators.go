package utils

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const redeemKeyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateRedeemKey returns an uppercase key without look-alike characters.
func GenerateRedeemKey(length int) string {
	var sb strings.Builder
	max := big.NewInt(int64(len(redeemKeyAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms
			panic(err)
		}
		sb.WriteByte(redeemKeyAlphabet[n.Int64()])
	}
	return sb.String()
}

// GenerateNonce returns a 32 character hex string for callback URLs.
func GenerateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return hex.EncodeToString(b)
}

// TicketNumber is the short display form of a ticket id.
func TicketNumber(id uuid.UUID) string {
	s := strings.ReplaceAll(id.String(), "-", "")
	return strings.ToUpper(s[len(s)-8:])
}
