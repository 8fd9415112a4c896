package cos

import (
	"strconv"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

// alphabet for generated IDs: the 64 characters the shortid generator draws
// from (GenTie does not use it).
const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	once sync.Once
	sid  *shortid.Shortid
)

// InitUUID seeds the generator. Safe to call more than once; only the first
// call (per process) takes effect, matching the teacher's one-shot
// InitShortID convention.
func InitUUID(seed uint64) {
	once.Do(func() {
		sid = shortid.MustNew(4 /*worker*/, uuidABC, seed)
	})
}

// GenUUID returns a short, URL-safe, practically-unique ID used for
// component IDs, job IDs, and command request IDs.
func GenUUID() string {
	if sid == nil {
		InitUUID(uint64(xxhash.Checksum64([]byte("delila2-default-seed"))))
	}
	return sid.MustGenerate()
}

// GenTie derives a short numeric tie-breaker from s, useful for giving two
// otherwise-identical IDs (e.g. two jobs enqueued in the same tick) a stable
// ordering without a global counter.
func GenTie(s string) string {
	h := xxhash.Checksum32([]byte(s))
	return strconv.FormatUint(uint64(h&0xff), 16)
}
