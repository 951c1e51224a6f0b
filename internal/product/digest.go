package product

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ContentDigest returns a stable hash over the normalized entity,
// excluding syncTime, version, and image object keys. Image-only changes
// therefore do not disturb the digest; incremental sync uses it to skip
// unchanged records without field-by-field diffing.
func ContentDigest(p *Product) string {
	shadow := *p
	shadow.SyncTime = time.Time{}
	shadow.Version = 0
	shadow.Images = nil

	// Image roles participate by presence only, in canonical order, so a
	// token-vs-objectKey difference for the same attachment is invisible.
	var roles []string
	for role := range p.Images {
		roles = append(roles, string(role))
	}

	sort.Strings(roles)

	payload := struct {
		Product
		ImageRoles []string `json:"imageRoles,omitempty"`
	}{shadow, roles}

	// encoding/json sorts map keys and struct fields are emitted in
	// declaration order, so the serialization is canonical.
	raw, err := json.Marshal(payload)
	if err != nil {
		// Product contains no unmarshalable types; treat this as a bug.
		panic(fmt.Sprintf("product: digest marshal: %v", err))
	}

	sum := sha256.Sum256(raw)

	return hex.EncodeToString(sum[:])
}
