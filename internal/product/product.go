// Package product defines the normalized product entity, its persisted
// image metadata, and sync run records. All other packages operate on
// these types; the mapper produces them and the store persists them.
package product

import (
	"regexp"
	"time"
)

// Status is the product lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDeleted  Status = "deleted"
)

// ImageRole tags the position of a product photo.
type ImageRole string

// Image roles, in canonical display order.
const (
	RoleFront   ImageRole = "front"
	RoleBack    ImageRole = "back"
	RoleLabel   ImageRole = "label"
	RolePackage ImageRole = "package"
	RoleGift    ImageRole = "gift"
)

// Roles lists all image roles in canonical order. Attachment collection
// iterates this slice so downloads are deterministic.
var Roles = []ImageRole{RoleFront, RoleBack, RoleLabel, RolePackage, RoleGift}

// ValidRole reports whether r is a known image role.
func ValidRole(r ImageRole) bool {
	switch r {
	case RoleFront, RoleBack, RoleLabel, RolePackage, RoleGift:
		return true
	default:
		return false
	}
}

// LocalizedText is a primary/secondary language pair with a display
// fallback used when locale-specific values are absent.
type LocalizedText struct {
	Primary   string `json:"primary,omitempty"`
	Secondary string `json:"secondary,omitempty"`
	Display   string `json:"display"`
}

// IsZero reports whether all three values are empty.
func (l LocalizedText) IsZero() bool {
	return l.Primary == "" && l.Secondary == "" && l.Display == ""
}

// Price holds normal and discounted prices with two-decimal precision.
// DiscountRate is derived: 1 - discount/normal, rounded to four decimals.
type Price struct {
	Normal       float64  `json:"normal"`
	Discount     float64  `json:"discount,omitempty"`
	DiscountRate float64  `json:"discountRate,omitempty"`
	USD          *float64 `json:"usd,omitempty"`
	SpecialUSD   *float64 `json:"specialUsd,omitempty"`
}

// Category is the two-level product classification.
type Category struct {
	Primary   LocalizedText `json:"primary"`
	Secondary LocalizedText `json:"secondary,omitempty"`
}

// Origin is the product's place of origin.
type Origin struct {
	Country  LocalizedText `json:"country,omitempty"`
	Province LocalizedText `json:"province,omitempty"`
	City     LocalizedText `json:"city,omitempty"`
}

// BarcodePattern validates EAN-8 through EAN-13 barcodes.
var BarcodePattern = regexp.MustCompile(`^[0-9]{8,13}$`)

// Product is the normalized entity synchronized from the upstream table.
// ProductID is immutable once created; Version only increases.
//
// Images maps a role to either an upstream attachment token (before the
// image pipeline runs) or an object-store key (after). A product never
// keeps a token for an image that has been stored.
type Product struct {
	ProductID  string `json:"productId"`
	InternalID string `json:"internalId,omitempty"`
	Sequence   string `json:"sequence,omitempty"`

	Name          LocalizedText `json:"name"`
	Category      Category      `json:"category"`
	Price         Price         `json:"price"`
	Origin        Origin        `json:"origin,omitempty"`
	Platform      LocalizedText `json:"platform,omitempty"`
	Specification LocalizedText `json:"specification,omitempty"`
	Flavor        LocalizedText `json:"flavor,omitempty"`
	Manufacturer  LocalizedText `json:"manufacturer,omitempty"`

	Images map[ImageRole]string `json:"images,omitempty"`

	Barcode string `json:"barcode,omitempty"`
	Link    string `json:"link,omitempty"`

	CollectTime time.Time `json:"collectTime"`
	SyncTime    time.Time `json:"syncTime,omitzero"`
	Version     int64     `json:"version"`

	Status    Status `json:"status"`
	IsVisible bool   `json:"isVisible"`
}

// Image is a successfully persisted binary attachment. (productId, role)
// pairs to at most one current image; superseded versions keep their
// object keys but lose currency.
type Image struct {
	ImageID     string    `json:"imageId"`
	ProductID   string    `json:"productId"`
	Role        ImageRole `json:"role"`
	ObjectKey   string    `json:"objectKey"`
	PublicURL   string    `json:"publicUrl"`
	ContentHash string    `json:"contentHash"`
	ByteSize    int64     `json:"byteSize"`
	Format      string    `json:"format"` // jpeg, png, webp
	UploadedAt  time.Time `json:"uploadedAt"`
}
