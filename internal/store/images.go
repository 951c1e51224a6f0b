package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/minghsu/prodsync/internal/product"
)

// PutImage records a persisted image as the current one for its
// (productId, role) pair. Any previous current image is superseded but
// its row and object key are retained.
func (s *Store) PutImage(ctx context.Context, img *product.Image) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin image tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`UPDATE images SET is_current = 0
		 WHERE product_id = ? AND role = ? AND is_current = 1`,
		img.ProductID, string(img.Role),
	); err != nil {
		return fmt.Errorf("store: superseding image %s/%s: %w", img.ProductID, img.Role, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO images (image_id, product_id, role, object_key, public_url,
			content_hash, byte_size, format, uploaded_at, is_current)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		img.ImageID, img.ProductID, string(img.Role), img.ObjectKey, img.PublicURL,
		img.ContentHash, img.ByteSize, img.Format, img.UploadedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("store: inserting image %s: %w", img.ImageID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing image %s: %w", img.ImageID, err)
	}

	return nil
}

// GetCurrentImage returns the current image for (productId, role), or
// ErrNotFound. The image pipeline uses it for hash-match skip.
func (s *Store) GetCurrentImage(ctx context.Context, productID string, role product.ImageRole) (*product.Image, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT image_id, product_id, role, object_key, public_url,
			content_hash, byte_size, format, uploaded_at
		 FROM images WHERE product_id = ? AND role = ? AND is_current = 1`,
		productID, string(role),
	)

	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: reading image %s/%s: %w", productID, role, err)
	}

	return img, nil
}

// ListImages returns all current images for a product in canonical role
// order.
func (s *Store) ListImages(ctx context.Context, productID string) ([]*product.Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT image_id, product_id, role, object_key, public_url,
			content_hash, byte_size, format, uploaded_at
		 FROM images WHERE product_id = ? AND is_current = 1`,
		productID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: listing images for %s: %w", productID, err)
	}
	defer rows.Close()

	byRole := make(map[product.ImageRole]*product.Image)

	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning image: %w", err)
		}

		byRole[img.Role] = img
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating images: %w", err)
	}

	var out []*product.Image
	for _, role := range product.Roles {
		if img, ok := byRole[role]; ok {
			out = append(out, img)
		}
	}

	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (*product.Image, error) {
	var (
		img        product.Image
		role       string
		uploadedAt int64
	)

	err := row.Scan(&img.ImageID, &img.ProductID, &role, &img.ObjectKey,
		&img.PublicURL, &img.ContentHash, &img.ByteSize, &img.Format, &uploadedAt)
	if err != nil {
		return nil, err
	}

	img.Role = product.ImageRole(role)
	img.UploadedAt = time.UnixMilli(uploadedAt).UTC()

	return &img, nil
}
