package instrument

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	cardPrefix   = "GC"
	cardDigits   = 10
	defaultTries = 10
)

// NewCardNumber returns GC followed by ten uppercase base36 characters drawn
// from a random UUID.
func NewCardNumber() string {
	u := uuid.New()
	s := strings.ToUpper(new(big.Int).SetBytes(u[:]).Text(36))
	if len(s) < cardDigits {
		s = strings.Repeat("0", cardDigits-len(s)) + s
	}
	return cardPrefix + s[len(s)-cardDigits:]
}

// GenerateCode draws card numbers until one is unused in the store.
func (l *Ledger) GenerateCode(ctx context.Context) (string, error) {
	gen := l.NewCode
	if gen == nil {
		gen = NewCardNumber
	}
	tries := l.CodeAttempts
	if tries <= 0 {
		tries = defaultTries
	}
	for i := 0; i < tries; i++ {
		code := gen()
		exists, err := l.Store.GiftCardExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check card number: %w", err)
		}
		if !exists {
			return code, nil
		}
		l.Log.Debug().Str("code", code).Msg("card number collision")
	}
	return "", fmt.Errorf("no unique card number after %d attempts", tries)
}
