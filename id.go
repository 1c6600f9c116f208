package proxsmtp

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid"
)

// GenID mints a connection/record identifier, used both as the SMTP
// session's ConnID and as the primary key audit hooks write rows under.
func GenID() ulid.ULID {
	seed := time.Now().UnixNano()
	entropy := rand.New(rand.NewSource(seed))
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}
