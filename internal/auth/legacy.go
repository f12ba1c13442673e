package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"
)

// consumedSentinel marks a token that was redeemed before timestamps were
// recorded for redemption.
const consumedSentinel = -1

// ErrUnknownTokenEncoding is returned for token values in none of the
// historical shapes.
var ErrUnknownTokenEncoding = errors.New("unknown token encoding")

type legacyRecord struct {
	ExpireTime *float64 `json:"expire_time"`
	UsedTime   *float64 `json:"used_time"`
}

// ParseLegacyToken converts a historical token value into a Token. Three
// shapes exist: a bare number holding the expiry in unix seconds, the -1
// sentinel for a token consumed at an unknown time, and an object with
// expire_time and an optional used_time. The sentinel is treated as consumed
// at now, so it keeps validating for one grace window and then decays.
func ParseLegacyToken(id string, raw json.RawMessage, now time.Time) (Token, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Token{}, errors.New("token id is required")
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Token{}, ErrUnknownTokenEncoding
	}

	switch trimmed[0] {
	case '{':
		var record legacyRecord
		if err := json.Unmarshal(trimmed, &record); err != nil {
			return Token{}, fmt.Errorf("decode token %s: %w", id, err)
		}
		if record.ExpireTime == nil {
			return Token{}, fmt.Errorf("token %s: expire_time missing: %w", id, ErrUnknownTokenEncoding)
		}
		token := Token{ID: id, ExpiresAt: unixSeconds(*record.ExpireTime)}
		if record.UsedTime != nil {
			token.UsedAt = unixSeconds(*record.UsedTime)
		}
		return token, nil
	default:
		var value float64
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return Token{}, fmt.Errorf("token %s: %w", id, ErrUnknownTokenEncoding)
		}
		if value == consumedSentinel {
			return Token{ID: id, ExpiresAt: now, UsedAt: now}, nil
		}
		return Token{ID: id, ExpiresAt: unixSeconds(value)}, nil
	}
}

// Import stores a token given in one of the historical encodings.
func (s *TokenStore) Import(id string, raw json.RawMessage) error {
	token, err := ParseLegacyToken(id, raw, s.now())
	if err != nil {
		return err
	}
	s.put(token)
	s.metrics.TokenEvent("imported", 1)
	return nil
}

// ImportFile loads a JSON object mapping token ids to historical token values.
// Entries that fail to parse are skipped and reported in the returned error;
// the count covers the entries that were stored.
func (s *TokenStore) ImportFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read token seed file: %w", err)
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("decode token seed file: %w", err)
	}
	imported := 0
	var errs []error
	for id, raw := range entries {
		if err := s.Import(id, raw); err != nil {
			errs = append(errs, err)
			continue
		}
		imported++
	}
	return imported, errors.Join(errs...)
}

func unixSeconds(value float64) time.Time {
	sec, frac := math.Modf(value)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}
