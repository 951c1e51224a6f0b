package bitable

import (
	"net/url"
	"strconv"
	"time"
)

// defaultSignedTTL is assumed when a signed URL does not carry an expiry
// parameter. The upstream documents 600 seconds; being early is harmless
// because downloads re-resolve once on an expiry response.
const defaultSignedTTL = 600 * time.Second

// signedURLExpiry extracts the expiry timestamp embedded in a temporary
// download URL. Two query forms appear in the wild: an absolute epoch
// seconds "expire_time" and an "x-amz-expires" relative TTL.
func signedURLExpiry(raw string) time.Time {
	u, err := url.Parse(raw)
	if err != nil {
		return time.Now().Add(defaultSignedTTL)
	}

	q := u.Query()

	if v := q.Get("expire_time"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(sec, 0)
		}
	}

	if v := q.Get("x-amz-expires"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Now().Add(time.Duration(sec) * time.Second)
		}
	}

	return time.Now().Add(defaultSignedTTL)
}
