// Package mapper transforms raw upstream table records into normalized
// product entities. Transform is deterministic and pure: the same record
// always produces a byte-identical product, and no I/O happens here.
//
// The mapping table enumerates every target path with its upstream field
// name, column type, and failure policy. Per-field problems downgrade to
// warnings with the configured default; only the core identity fields
// (productId, name display) escalate to a record-level failure.
package mapper

import (
	"fmt"
	"strings"
	"time"

	"github.com/minghsu/prodsync/internal/bitable"
	"github.com/minghsu/prodsync/internal/product"
)

// Warning records a per-field coercion or validation problem that was
// absorbed with a default.
type Warning struct {
	Path    string // dotted target path, e.g. "price.discount"
	Field   string // upstream field name
	Message string
}

// TransformError is a record-level failure: the record cannot become a
// product because a core required field is missing or invalid.
type TransformError struct {
	RecordID string
	Reasons  []string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("mapper: record %s: %s", e.RecordID, strings.Join(e.Reasons, "; "))
}

// Upstream field names. The table is authored in Chinese with parallel
// English columns for the fields shown to international users.
const (
	fieldName         = "商品名称"
	fieldNameEN       = "商品名称（英文）"
	fieldInternalID   = "内部编号"
	fieldSequence     = "序号"
	fieldCategory1    = "一级分类"
	fieldCategory1EN  = "一级分类（英文）"
	fieldCategory2    = "二级分类"
	fieldCategory2EN  = "二级分类（英文）"
	fieldPriceNormal  = "正常售价"
	fieldPriceSale    = "优惠售价"
	fieldPriceUSD     = "美元价"
	fieldPriceSaleUSD = "美元优惠价"
	fieldCountry      = "产地国家"
	fieldCountryEN    = "产地国家（英文）"
	fieldProvince     = "产地省份"
	fieldCity         = "产地城市"
	fieldPlatform     = "采集平台"
	fieldPlatformEN   = "采集平台（英文）"
	fieldSpec         = "规格"
	fieldSpecEN       = "规格（英文）"
	fieldFlavor       = "口味"
	fieldFlavorEN     = "口味（英文）"
	fieldManufacturer = "生产厂家"
	fieldManufactEN   = "生产厂家（英文）"
	fieldBarcode      = "条形码"
	fieldLink         = "商品链接"
	fieldCollectTime  = "采集时间"
	fieldStatus       = "商品状态"
)

// fieldTypes declares the upstream column type of every mapped field.
// String-valued coercion dispatches on this table; fields absent here
// default to text.
var fieldTypes = map[string]FieldType{
	fieldName:         TypeText,
	fieldNameEN:       TypeText,
	fieldInternalID:   TypeText,
	fieldSequence:     TypeAutoNumber,
	fieldCategory1:    TypeSingleSelect,
	fieldCategory1EN:  TypeSingleSelect,
	fieldCategory2:    TypeSingleSelect,
	fieldCategory2EN:  TypeSingleSelect,
	fieldPriceNormal:  TypeNumber,
	fieldPriceSale:    TypeNumber,
	fieldPriceUSD:     TypeNumber,
	fieldPriceSaleUSD: TypeNumber,
	fieldCountry:      TypeSingleSelect,
	fieldCountryEN:    TypeSingleSelect,
	fieldProvince:     TypeSingleSelect,
	fieldCity:         TypeSingleSelect,
	fieldPlatform:     TypeSingleSelect,
	fieldPlatformEN:   TypeSingleSelect,
	fieldSpec:         TypeText,
	fieldSpecEN:       TypeText,
	fieldFlavor:       TypeSingleSelect,
	fieldFlavorEN:     TypeSingleSelect,
	fieldManufacturer: TypeText,
	fieldManufactEN:   TypeText,
	fieldBarcode:      TypeText,
	fieldLink:         TypeLink,
	fieldCollectTime:  TypeTimestamp,
	fieldStatus:       TypeSingleSelect,
}

// typeOf returns the declared column type of an upstream field.
func typeOf(field string) FieldType {
	if t, ok := fieldTypes[field]; ok {
		return t
	}

	return TypeText
}

// imageFields maps attachment columns to image roles, in canonical role
// order.
var imageFields = []struct {
	field string
	role  product.ImageRole
}{
	{"正面图", product.RoleFront},
	{"背面图", product.RoleBack},
	{"标签图", product.RoleLabel},
	{"包装图", product.RolePackage},
	{"赠品图", product.RoleGift},
}

func init() {
	for _, img := range imageFields {
		fieldTypes[img.field] = TypeAttachment
	}
}

// Mapper transforms upstream records. The zero value is not usable;
// construct with New.
type Mapper struct {
	// now supplies the fallback collect time. Injected so Transform stays
	// reproducible in tests; production uses time.Now.
	now func() time.Time
}

// New creates a Mapper using the real clock.
func New() *Mapper {
	return &Mapper{now: time.Now}
}

// NewWithClock creates a Mapper with a fixed clock, for tests.
func NewWithClock(now func() time.Time) *Mapper {
	return &Mapper{now: now}
}

// Transform maps one raw record to a normalized product. Per-field
// problems come back as warnings; a missing productId or name yields a
// *TransformError and no product.
func (m *Mapper) Transform(rec *bitable.Record) (*product.Product, []Warning, error) {
	var warnings []Warning

	warn := func(path, field, msg string) {
		warnings = append(warnings, Warning{Path: path, Field: field, Message: msg})
	}

	if rec.RecordID == "" {
		return nil, warnings, &TransformError{Reasons: []string{"missing record id"}}
	}

	p := &product.Product{
		ProductID: rec.RecordID,
		Status:    product.StatusActive,
		IsVisible: true,
	}

	fields := rec.Fields

	p.InternalID = coerceBy(typeOf(fieldInternalID), fields[fieldInternalID])
	p.Sequence = coerceBy(typeOf(fieldSequence), fields[fieldSequence])

	p.Name = m.localized(fields, fieldName, fieldNameEN)
	if p.Name.Display == "" {
		return nil, warnings, &TransformError{
			RecordID: rec.RecordID,
			Reasons:  []string{"missing required field: name"},
		}
	}

	p.Category.Primary = m.localized(fields, fieldCategory1, fieldCategory1EN)
	if p.Category.Primary.Display == "" {
		warn("category.primary", fieldCategory1, "missing, defaulting to 未分类")

		p.Category.Primary = product.LocalizedText{Primary: "未分类", Display: "未分类"}
	}

	p.Category.Secondary = m.localized(fields, fieldCategory2, fieldCategory2EN)

	m.mapPrice(p, fields, warn)

	p.Origin.Country = m.localized(fields, fieldCountry, fieldCountryEN)
	p.Origin.Province = m.localized(fields, fieldProvince, "")
	p.Origin.City = m.localized(fields, fieldCity, "")
	p.Platform = m.localized(fields, fieldPlatform, fieldPlatformEN)
	p.Specification = m.localized(fields, fieldSpec, fieldSpecEN)
	p.Flavor = m.localized(fields, fieldFlavor, fieldFlavorEN)
	p.Manufacturer = m.localized(fields, fieldManufacturer, fieldManufactEN)

	if barcode := coerceBy(typeOf(fieldBarcode), fields[fieldBarcode]); barcode != "" {
		if product.BarcodePattern.MatchString(barcode) {
			p.Barcode = barcode
		} else {
			warn("barcode", fieldBarcode, fmt.Sprintf("invalid barcode %q dropped", barcode))
		}
	}

	if link := coerceBy(typeOf(fieldLink), fields[fieldLink]); link != "" {
		if err := validateLink(link); err != nil {
			warn("link", fieldLink, err.Error())
		} else {
			p.Link = link
		}
	}

	m.mapCollectTime(p, rec, warn)
	m.mapStatus(p, fields)
	m.mapImages(p, fields, warn)

	return p, warnings, nil
}

// localized builds a text triple from a primary-language field and an
// optional English field. Display prefers the English value as the
// locale-neutral default, then the primary value.
func (m *Mapper) localized(fields map[string]any, primaryField, englishField string) product.LocalizedText {
	lt := product.LocalizedText{
		Primary: coerceBy(typeOf(primaryField), fields[primaryField]),
	}

	if englishField != "" {
		lt.Secondary = coerceBy(typeOf(englishField), fields[englishField])
	}

	switch {
	case lt.Secondary != "":
		lt.Display = lt.Secondary
	default:
		lt.Display = lt.Primary
	}

	return lt
}

// coerceAutoNumber renders auto-number values, which arrive as numbers,
// strings, or {number: ...} wrappers.
func coerceAutoNumber(raw any) string {
	if m, ok := raw.(map[string]any); ok {
		if n, ok := m["number"]; ok {
			return coerceText(n)
		}

		if v, ok := m["value"]; ok {
			return coerceText(v)
		}
	}

	return coerceText(raw)
}

func (m *Mapper) mapPrice(p *product.Product, fields map[string]any, warn func(path, field, msg string)) {
	p.Price.Normal = coerceNumber(fields[fieldPriceNormal])
	if p.Price.Normal < 0 {
		warn("price.normal", fieldPriceNormal, "negative price coerced to 0")

		p.Price.Normal = 0
	}

	p.Price.Discount = coerceNumber(fields[fieldPriceSale])
	if p.Price.Discount < 0 {
		warn("price.discount", fieldPriceSale, "negative price coerced to 0")

		p.Price.Discount = 0
	}

	// A discount above the normal price is upstream data entry error;
	// clamp so price.discount <= price.normal always holds.
	if p.Price.Discount > p.Price.Normal && p.Price.Normal > 0 {
		warn("price.discount", fieldPriceSale, "discount exceeds normal price, clamped")

		p.Price.Discount = p.Price.Normal
	}

	if p.Price.Normal > 0 && p.Price.Discount > 0 {
		p.Price.DiscountRate = round4(1 - p.Price.Discount/p.Price.Normal)
	}

	if raw, ok := fields[fieldPriceUSD]; ok && raw != nil {
		usd := coerceNumber(raw)
		p.Price.USD = &usd
	}

	if raw, ok := fields[fieldPriceSaleUSD]; ok && raw != nil {
		usd := coerceNumber(raw)
		p.Price.SpecialUSD = &usd
	}
}

func (m *Mapper) mapCollectTime(p *product.Product, rec *bitable.Record, warn func(path, field, msg string)) {
	p.CollectTime = coerceTimestamp(rec.Fields[fieldCollectTime])

	if p.CollectTime.IsZero() && rec.CreatedTime > 0 {
		p.CollectTime = time.UnixMilli(rec.CreatedTime).UTC()
	}

	if p.CollectTime.IsZero() {
		warn("collectTime", fieldCollectTime, "missing, defaulting to now")

		p.CollectTime = m.now().UTC().Truncate(time.Millisecond)
	}
}

func (m *Mapper) mapStatus(p *product.Product, fields map[string]any) {
	switch coerceBy(typeOf(fieldStatus), fields[fieldStatus]) {
	case "下架", "inactive":
		p.Status = product.StatusInactive
		p.IsVisible = false
	case "删除", "deleted":
		p.Status = product.StatusDeleted
		p.IsVisible = false
	default:
		p.Status = product.StatusActive
		p.IsVisible = true
	}
}

func (m *Mapper) mapImages(p *product.Product, fields map[string]any, warn func(path, field, msg string)) {
	for _, img := range imageFields {
		raw, ok := fields[img.field]
		if !ok || raw == nil {
			continue
		}

		tokens := coerceAttachmentTokens(raw)
		if len(tokens) == 0 {
			warn("images."+string(img.role), img.field, "attachment field present but no file token")
			continue
		}

		if p.Images == nil {
			p.Images = make(map[product.ImageRole]string, len(imageFields))
		}

		// Multi-attachment fields keep only the first item for the role;
		// upstream order is preserved by coerceAttachmentTokens.
		p.Images[img.role] = tokens[0]
	}
}
