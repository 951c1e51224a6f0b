package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/minghsu/prodsync/internal/product"
	"github.com/minghsu/prodsync/internal/store"
)

// maxProductPageSize caps one catalog page.
const maxProductPageSize = 200

// productDetail bundles a product with its current image metadata.
type productDetail struct {
	Product *product.Product `json:"product"`
	Images  []*product.Image `json:"images,omitempty"`
}

func (s *Server) handleProductList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.ProductFilter{
		Status:          product.Status(q.Get("status")),
		VisibleOnly:     q.Get("visible") == "true",
		CategoryPrimary: q.Get("category"),
		Platform:        q.Get("platform"),
		Search:          q.Get("search"),
		Page:            queryInt(q.Get("page"), 1),
		PageSize:        queryInt(q.Get("pageSize"), 20),
	}

	if f.PageSize > maxProductPageSize {
		f.PageSize = maxProductPageSize
	}

	products, total, err := s.catalog.ListProducts(r.Context(), f)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	s.respond(w, http.StatusOK, paged{
		Items:    products,
		Total:    total,
		Page:     f.Page,
		PageSize: f.PageSize,
	})
}

func (s *Server) handleProductGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	p, err := s.catalog.GetProduct(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, CodeNotFound, "no such product: "+id)
			return
		}

		s.respondError(w, http.StatusInternalServerError, CodeInternal, err.Error())

		return
	}

	images, err := s.catalog.ListImages(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	// Rows written before the URL format settled may carry legacy
	// prefixes; serve the canonical form regardless of what is stored.
	for _, img := range images {
		img.PublicURL = s.objstore.CanonicalizeURL(img.PublicURL)
	}

	s.respond(w, http.StatusOK, productDetail{Product: p, Images: images})
}
