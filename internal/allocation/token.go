package allocation

import (
	"crypto/rand"
	"time"
)

// Crockford base32, no I/L/O/U, so tokens survive being read over the phone.
const tokenAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewToken builds the human-displayable request number: a T- prefix, the
// creation second encoded base32, and a random 4-character suffix. The format
// carries no meaning for allocation; it only needs to not collide.
func NewToken(now time.Time) string {
	ts := now.Unix()
	var stamp []byte
	for ts > 0 {
		stamp = append([]byte{tokenAlphabet[ts%32]}, stamp...)
		ts /= 32
	}

	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	for i, b := range suffix {
		suffix[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}

	return "T-" + string(stamp) + "-" + string(suffix)
}
