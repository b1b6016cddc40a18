package pricing

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/google/uuid"
)

// NumberGenerator produces invoice numbers of the form INV-DDMMYYYY-xxxxxxxx.
// The zero value uses crypto/rand and the wall clock.
type NumberGenerator struct {
	Rand io.Reader
	Now  func() time.Time
}

// Next returns a new invoice number. Uniqueness relies on the 32-bit random
// suffix; enforcing it is left to the store.
func (g NumberGenerator) Next() string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	src := g.Rand
	if src == nil {
		src = rand.Reader
	}
	id, err := uuid.NewRandomFromReader(src)
	if err != nil {
		id = uuid.New()
	}
	return "INV-" + now().Format("02012006") + "-" + id.String()[:8]
}
