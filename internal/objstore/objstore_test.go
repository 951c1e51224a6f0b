package objstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testStore() *ObjectStore {
	return &ObjectStore{
		bucket:        "product-images",
		publicBaseURL: "http://minio.local:9000",
	}
}

func TestPublicURL(t *testing.T) {
	t.Parallel()

	o := testStore()

	assert.Equal(t,
		"http://minio.local:9000/product-images/products/rec1_front_1700000000000.jpg",
		o.PublicURL("products/rec1_front_1700000000000.jpg"))

	// Leading slashes on the key do not double up.
	assert.Equal(t,
		"http://minio.local:9000/product-images/products/a.jpg",
		o.PublicURL("/products/a.jpg"))
}

func TestCanonicalizeURL(t *testing.T) {
	t.Parallel()

	o := testStore()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"already canonical",
			"http://minio.local:9000/product-images/products/rec1_front_1.jpg",
			"http://minio.local:9000/product-images/products/rec1_front_1.jpg",
		},
		{
			"legacy originals prefix",
			"http://old-host:9000/bucket/originals/rec1_front_1.jpg",
			"http://minio.local:9000/product-images/products/rec1_front_1.jpg",
		},
		{
			"legacy images prefix",
			"https://cdn.example.com/images/rec2_back_2.png",
			"http://minio.local:9000/product-images/products/rec2_back_2.png",
		},
		{
			"unrecognized passes through",
			"https://elsewhere.example.com/foo.jpg",
			"https://elsewhere.example.com/foo.jpg",
		},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, o.CanonicalizeURL(tt.in))
		})
	}
}

func TestKeyFromURL(t *testing.T) {
	t.Parallel()

	o := testStore()

	assert.Equal(t, "products/rec1_front_1.jpg",
		o.KeyFromURL("http://minio.local:9000/product-images/products/rec1_front_1.jpg"))

	assert.Empty(t, o.KeyFromURL("http://other-host/product-images/products/a.jpg"))
	assert.Empty(t, o.KeyFromURL(""))
}
