package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrCorrupt marks a stored entry (or database) that cannot be trusted.
// Cache recovers from it by discarding the entry and treating it as a miss.
var ErrCorrupt = errors.New("cache entry corrupt")

// envelopeVersion is bumped whenever the payload encoding changes, which
// turns every older entry into a miss.
const envelopeVersion = 1

// envelope is the persisted form of an entry. Sum is the xxhash64 of Payload.
type envelope struct {
	Version   int       `json:"v"`
	Key       string    `json:"k"`
	FetchedAt time.Time `json:"fetchedAt"`
	Sum       uint64    `json:"sum"`
	Payload   []byte    `json:"payload"`
}

func encodeEnvelope(key string, fetchedAt time.Time, value any) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode cache payload: %w", err)
	}
	return json.Marshal(envelope{
		Version:   envelopeVersion,
		Key:       key,
		FetchedAt: fetchedAt.UTC(),
		Sum:       xxhash.Sum64(payload),
		Payload:   payload,
	})
}

// decodeEnvelope verifies raw and unmarshals its payload into out.
// Every failure wraps ErrCorrupt.
func decodeEnvelope(key string, raw []byte, out any) (time.Time, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != envelopeVersion {
		return time.Time{}, fmt.Errorf("%w: version %d", ErrCorrupt, env.Version)
	}
	if env.Key != key {
		return time.Time{}, fmt.Errorf("%w: key mismatch %q", ErrCorrupt, env.Key)
	}
	if got := xxhash.Sum64(env.Payload); got != env.Sum {
		return time.Time{}, fmt.Errorf("%w: checksum %x != %x", ErrCorrupt, got, env.Sum)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return time.Time{}, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}
	return env.FetchedAt, nil
}
