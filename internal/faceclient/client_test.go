package faceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetect_Skip(t *testing.T) {
	v, err := New("http://unused", true).Detect(context.Background(), "")
	require.NoError(t, err)
	require.True(t, v.Detected)
	require.InDelta(t, 0.9, v.Confidence, 1e-9)
}

func TestDetect_Response(t *testing.T) {
	cases := []struct {
		name     string
		payload  string
		detected bool
		conf     float64
	}{
		{"scored face", `{"faces_detected":1,"score":0.73}`, true, 0.73},
		{"no face", `{"faces_detected":0,"score":0.99}`, false, 0},
		{"unscored frontal", `{"faces_detected":1,"score":0,"quality":{"is_frontal":true}}`, true, 0.9},
		{"unscored profile", `{"faces_detected":2}`, true, 0.8},
		{"clamped", `{"faces_detected":1,"score":1.7}`, true, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/embed", r.URL.Path)
				var body map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				require.Equal(t, "https://img/x.jpg", body["image_url"])
				_, _ = w.Write([]byte(tc.payload))
			}))
			defer srv.Close()

			v, err := New(srv.URL, false).Detect(context.Background(), "https://img/x.jpg")
			require.NoError(t, err)
			require.Equal(t, tc.detected, v.Detected)
			require.InDelta(t, tc.conf, v.Confidence, 1e-9)
		})
	}
}

func TestDetect_ServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, false).Detect(context.Background(), "https://img/x.jpg")
	require.ErrorContains(t, err, "model not loaded")
}

func TestDetect_RequiresImage(t *testing.T) {
	_, err := New("http://unused", false).Detect(context.Background(), "")
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, false).Health(context.Background()))
	require.Error(t, New(srv.URL+"/nope", false).Health(context.Background()))
}
