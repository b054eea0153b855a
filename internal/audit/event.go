package audit

import (
	"fmt"
	"math"
	"time"
	"unicode"
)

const maxKindLen = 128

// Event is the structured data a caller logs. Only Kind is stored in clear
// text on the envelope; every other field exists only inside the ciphertext.
type Event struct {
	Kind     string         `json:"kind"`
	Actor    string         `json:"actor,omitempty"`
	Action   string         `json:"action,omitempty"`
	Resource string         `json:"resource,omitempty"`
	Source   string         `json:"source,omitempty"` // IP address or host
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks that the event can be recorded.
func (ev *Event) Validate() error {
	if ev.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidEvent)
	}
	if len(ev.Kind) > maxKindLen {
		return fmt.Errorf("%w: kind longer than %d bytes", ErrInvalidEvent, maxKindLen)
	}
	for _, r := range ev.Kind {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: kind %q contains whitespace or control characters", ErrInvalidEvent, ev.Kind)
		}
	}
	return nil
}

// Entry is the persisted envelope for one event. Binary fields are
// base64 in JSON. Entries are immutable once written.
type Entry struct {
	Seq        uint64  `json:"seq"`
	ID         string  `json:"id"`
	Kind       string  `json:"kind"`
	Timestamp  float64 `json:"timestamp"` // unix seconds, microsecond precision
	KeyID      string  `json:"key_id,omitempty"`
	Digest     string  `json:"digest,omitempty"`
	Signature  []byte  `json:"signature,omitempty"`
	PublicKey  []byte  `json:"public_key,omitempty"`
	Nonce      []byte  `json:"nonce,omitempty"`
	Ciphertext []byte  `json:"ciphertext,omitempty"`
	PrevHash   string  `json:"prev_hash"`
	Hash       string  `json:"hash"`
}

// Time converts the float timestamp back to a time.Time.
func (e *Entry) Time() time.Time {
	sec, frac := math.Modf(e.Timestamp)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
}

func unixTimestamp(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
