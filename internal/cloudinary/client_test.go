package cloudinary

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSign(t *testing.T) {
	c := New("demo", "key", "secret", "")
	got := c.sign(map[string]string{"timestamp": "1700000000", "folder": "eduface/m-1", "api_key": "key"})

	want := fmt.Sprintf("%x", sha1.Sum([]byte("folder=eduface/m-1&timestamp=1700000000secret")))
	require.Equal(t, want, got)
}

func TestUploadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/demo/image/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "eduface/m-1", r.FormValue("folder"))
		require.Equal(t, "1700000000", r.FormValue("timestamp"))
		require.NotEmpty(t, r.FormValue("signature"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		require.Equal(t, "snap.jpg", hdr.Filename)
		require.Equal(t, "jpegbytes", string(data))

		_, _ = w.Write([]byte(`{"public_id":"eduface/m-1/abc","secure_url":"https://res.cloudinary.com/demo/abc.jpg"}`))
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "eduface")
	c.BaseURL = srv.URL
	c.now = func() time.Time { return time.Unix(1700000000, 0) }

	res, err := c.UploadFile(context.Background(), "m-1", "snap.jpg", strings.NewReader("jpegbytes"))
	require.NoError(t, err)
	require.Equal(t, "https://res.cloudinary.com/demo/abc.jpg", res.SecureURL)
}

func TestUploadDataURL_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid Signature"}}`))
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "")
	c.BaseURL = srv.URL
	_, err := c.UploadDataURL(context.Background(), "", "data:image/jpeg;base64,AAAA")
	require.ErrorContains(t, err, "Invalid Signature")
}

func TestUpload_NotConfigured(t *testing.T) {
	_, err := New("", "", "", "").UploadDataURL(context.Background(), "", "x")
	require.ErrorIs(t, err, ErrNotConfigured)
}
