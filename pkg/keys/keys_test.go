package keys

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCMRoundTrip(t *testing.T) {
	c, err := NewAESGCM("service-token")
	require.NoError(t, err)

	sealed, err := c.Encrypt(context.Background(), []byte(`{"email":"alice@example.org"}`))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "alice@example.org")

	plain, err := c.Decrypt(context.Background(), sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"email":"alice@example.org"}`, string(plain))
}

func TestAESGCMNonDeterministic(t *testing.T) {
	c, err := NewAESGCM("service-token")
	require.NoError(t, err)

	a, err := c.Encrypt(context.Background(), []byte("same"))
	require.NoError(t, err)
	b, err := c.Encrypt(context.Background(), []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAESGCMRejectsForeignCiphertext(t *testing.T) {
	c1, err := NewAESGCM("token-one")
	require.NoError(t, err)
	c2, err := NewAESGCM("token-two")
	require.NoError(t, err)

	sealed, err := c1.Encrypt(context.Background(), []byte("secret"))
	require.NoError(t, err)

	_, err = c2.Decrypt(context.Background(), sealed)
	assert.Error(t, err)

	_, err = c1.Decrypt(context.Background(), "not-base64!!!")
	assert.Error(t, err)
}

func TestClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cipherRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "service-token", req.Token)

		switch r.URL.Path {
		case "/v1/encrypt":
			json.NewEncoder(w).Encode(cipherResponse{Data: "sealed:" + req.Data})
		case "/v1/decrypt":
			json.NewEncoder(w).Encode(cipherResponse{Data: req.Data[len("sealed:"):]})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "service-token")

	sealed, err := c.Encrypt(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "sealed:hello", sealed)

	plain, err := c.Decrypt(context.Background(), sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))
}

func TestClientUnavailable(t *testing.T) {
	t.Run("network failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		c := NewClient(srv.URL, "service-token")
		_, err := c.Encrypt(context.Background(), []byte("hello"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "service-token")
		_, err := c.Encrypt(context.Background(), []byte("hello"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("client error is not unavailability", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "bad-token")
		_, err := c.Encrypt(context.Background(), []byte("hello"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	})
}
