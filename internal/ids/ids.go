package ids

import (
	"crypto/rand"
	"encoding/base64"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewRecipientID returns a random identifier used to tag fields with their recipient.
func NewRecipientID() string {
	return uuid.NewString()
}

// accessTokenBytes gives 256 bits of entropy per signer link.
const accessTokenBytes = 32

// NewAccessToken returns an unguessable, URL-safe capability token.
// Possession of the value is enough to act as the signer it was issued to.
func NewAccessToken() (string, error) {
	var b [accessTokenBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
