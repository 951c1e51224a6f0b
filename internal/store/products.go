package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/minghsu/prodsync/internal/product"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// UpsertOutcome classifies what happened to one product during a batch
// upsert.
type UpsertOutcome int

const (
	OutcomeCreated UpsertOutcome = iota
	OutcomeUpdated
	OutcomeSkipped
)

// BatchResult summarizes an UpsertBatch call.
type BatchResult struct {
	Created int
	Updated int
	Skipped int
}

const productColumns = `product_id, status, is_visible, collect_time, sync_time,
	version, content_digest, name_display, category_primary, category_secondary,
	platform_display, manufacturer_display, doc`

// UpsertBatch writes products keyed by productId. Each product is atomic
// (its own transaction) but the batch is not: a failure mid-batch leaves
// earlier products committed, which is safe because re-running the sync
// upserts them idempotently.
//
// A product whose stored contentDigest equals the incoming one is skipped
// without a write unless force is set. Versions only increase; productId
// never changes after creation.
func (s *Store) UpsertBatch(ctx context.Context, products []*product.Product, force bool) (BatchResult, error) {
	var res BatchResult

	for _, p := range products {
		outcome, err := s.upsertOne(ctx, p, force)
		if err != nil {
			return res, fmt.Errorf("store: upserting product %s: %w", p.ProductID, err)
		}

		switch outcome {
		case OutcomeCreated:
			res.Created++
		case OutcomeUpdated:
			res.Updated++
		case OutcomeSkipped:
			res.Skipped++
		}
	}

	return res, nil
}

func (s *Store) upsertOne(ctx context.Context, p *product.Product, force bool) (UpsertOutcome, error) {
	digest := product.ContentDigest(p)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var (
		storedDigest string
		storedVer    int64
	)

	err = tx.QueryRowContext(ctx,
		`SELECT content_digest, version FROM products WHERE product_id = ?`,
		p.ProductID,
	).Scan(&storedDigest, &storedVer)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		p.Version = 1
		p.SyncTime = time.Now().UTC()

		if err := s.insertProduct(ctx, tx, p, digest); err != nil {
			return OutcomeSkipped, err
		}

		if err := tx.Commit(); err != nil {
			return OutcomeSkipped, fmt.Errorf("commit: %w", err)
		}

		return OutcomeCreated, nil

	case err != nil:
		return OutcomeSkipped, fmt.Errorf("reading stored digest: %w", err)

	case storedDigest == digest && !force:
		// No write: sync_time and version stay put so the digest skip is
		// observable as "no change".
		return OutcomeSkipped, nil

	default:
		p.Version = storedVer + 1
		p.SyncTime = time.Now().UTC()

		if err := s.updateProduct(ctx, tx, p, digest); err != nil {
			return OutcomeSkipped, err
		}

		if err := tx.Commit(); err != nil {
			return OutcomeSkipped, fmt.Errorf("commit: %w", err)
		}

		return OutcomeUpdated, nil
	}
}

func (s *Store) insertProduct(ctx context.Context, tx *sql.Tx, p *product.Product, digest string) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding product: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO products (`+productColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProductID, string(p.Status), boolToInt(p.IsVisible),
		p.CollectTime.UnixMilli(), p.SyncTime.UnixMilli(),
		p.Version, digest,
		p.Name.Display, p.Category.Primary.Display, p.Category.Secondary.Display,
		p.Platform.Display, p.Manufacturer.Display, string(doc),
	)
	if err != nil {
		return fmt.Errorf("inserting: %w", err)
	}

	return nil
}

func (s *Store) updateProduct(ctx context.Context, tx *sql.Tx, p *product.Product, digest string) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding product: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE products SET
			status = ?, is_visible = ?, collect_time = ?, sync_time = ?,
			version = ?, content_digest = ?, name_display = ?,
			category_primary = ?, category_secondary = ?,
			platform_display = ?, manufacturer_display = ?, doc = ?
		 WHERE product_id = ?`,
		string(p.Status), boolToInt(p.IsVisible),
		p.CollectTime.UnixMilli(), p.SyncTime.UnixMilli(),
		p.Version, digest,
		p.Name.Display, p.Category.Primary.Display, p.Category.Secondary.Display,
		p.Platform.Display, p.Manufacturer.Display, string(doc),
		p.ProductID,
	)
	if err != nil {
		return fmt.Errorf("updating: %w", err)
	}

	return nil
}

// GetProduct returns one product by id, or ErrNotFound.
func (s *Store) GetProduct(ctx context.Context, productID string) (*product.Product, error) {
	var doc string

	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM products WHERE product_id = ?`, productID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: reading product %s: %w", productID, err)
	}

	return decodeProduct(doc)
}

// GetDigest returns the stored contentDigest for a product, or
// ErrNotFound. The incremental loop uses this to partition records
// without decoding full documents.
func (s *Store) GetDigest(ctx context.Context, productID string) (string, error) {
	var digest string

	err := s.db.QueryRowContext(ctx,
		`SELECT content_digest FROM products WHERE product_id = ?`, productID,
	).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("store: reading digest for %s: %w", productID, err)
	}

	return digest, nil
}

// FindIDs enumerates product ids. A non-nil since restricts the result to
// products with syncTime after it. Soft-deleted products are included so
// the full-sync diff does not re-delete them.
func (s *Store) FindIDs(ctx context.Context, since *time.Time) (map[string]struct{}, error) {
	query := `SELECT product_id FROM products`

	var args []any

	if since != nil {
		query += ` WHERE sync_time > ?`
		args = append(args, since.UnixMilli())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing product ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning product id: %w", err)
		}

		ids[id] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating product ids: %w", err)
	}

	return ids, nil
}

// SoftDelete marks products deleted and invisible. Rows are kept; the
// core never hard-deletes.
func (s *Store) SoftDelete(ctx context.Context, productIDs []string) error {
	if len(productIDs) == 0 {
		return nil
	}

	now := time.Now().UTC().UnixMilli()

	placeholders := strings.Repeat("?,", len(productIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(productIDs)+2)
	args = append(args, string(product.StatusDeleted), now)

	for _, id := range productIDs {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE products SET status = ?, is_visible = 0, sync_time = ?,
			doc = json_set(json_set(doc, '$.status', 'deleted'), '$.isVisible', json('false'))
		 WHERE product_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("store: soft-deleting %d products: %w", len(productIDs), err)
	}

	s.logger.Info("soft-deleted products", slog.Int("count", len(productIDs)))

	return nil
}

// ProductFilter narrows ListProducts. Zero values mean "no constraint".
type ProductFilter struct {
	Status          product.Status
	VisibleOnly     bool
	CategoryPrimary string
	Platform        string
	Search          string // matches name or manufacturer display
	Page            int    // 1-based
	PageSize        int
}

const defaultPageSize = 50

// ListProducts returns a filtered, paged product list ordered by
// collectTime descending, plus the total match count.
func (s *Store) ListProducts(ctx context.Context, f ProductFilter) ([]*product.Product, int, error) {
	where, args := buildProductWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: counting products: %w", err)
	}

	pageSize := f.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}

	page := f.Page
	if page < 1 {
		page = 1
	}

	query := `SELECT doc FROM products` + where +
		` ORDER BY collect_time DESC LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: listing products: %w", err)
	}
	defer rows.Close()

	var out []*product.Product

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, 0, fmt.Errorf("store: scanning product: %w", err)
		}

		p, err := decodeProduct(doc)
		if err != nil {
			return nil, 0, err
		}

		out = append(out, p)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: iterating products: %w", err)
	}

	return out, total, nil
}

func buildProductWhere(f ProductFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)

	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}

	if f.VisibleOnly {
		conds = append(conds, "is_visible = 1")
	}

	if f.CategoryPrimary != "" {
		conds = append(conds, "category_primary = ?")
		args = append(args, f.CategoryPrimary)
	}

	if f.Platform != "" {
		conds = append(conds, "platform_display = ?")
		args = append(args, f.Platform)
	}

	if f.Search != "" {
		conds = append(conds, "(name_display LIKE ? OR manufacturer_display LIKE ?)")
		pattern := "%" + f.Search + "%"
		args = append(args, pattern, pattern)
	}

	if len(conds) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conds, " AND "), args
}

func decodeProduct(doc string) (*product.Product, error) {
	var p product.Product
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("store: decoding product doc: %w", err)
	}

	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
