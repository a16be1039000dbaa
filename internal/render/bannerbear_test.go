package render

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBannerbearSubmitAndPoll(t *testing.T) {
	var polls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/images":
			var got bannerbearRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			assert.Equal(t, "open-house-v1", got.Template)
			assert.Equal(t, []Layer{{Name: "open_house_date", Text: "this Friday"}}, got.Modifications)
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"uid":"abc","status":"pending","self":"` + srv.URL + `/images/abc"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/images/abc":
			if polls.Add(1) < 2 {
				_, _ = w.Write([]byte(`{"uid":"abc","status":"pending"}`))
				return
			}
			_, _ = w.Write([]byte(`{"uid":"abc","status":"completed","image_url_png":"https://cdn.example/abc.png"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	bb := NewBannerbear(srv.URL, "secret")
	ctx := context.Background()

	ref, err := bb.Submit(ctx, "open-house-v1", []Layer{{Name: "open_house_date", Text: "this Friday"}})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/images/abc", ref)

	res, err := bb.Poll(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)

	res, err = bb.Poll(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, &PollResult{Status: StatusCompleted, ResultURL: "https://cdn.example/abc.png"}, res)
}

func TestBannerbearPollFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed"}`))
	}))
	defer srv.Close()

	res, err := NewBannerbear(srv.URL, "k").Poll(context.Background(), srv.URL+"/images/x")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestBannerbearErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"message":"nope"}`, tt.status)
			}))
			defer srv.Close()

			_, err := NewBannerbear(srv.URL, "k").Submit(context.Background(), "layout", nil)
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, !tt.transient, IsPermanent(err))
		})
	}
}

func TestBannerbearNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewBannerbear(url, "k").Submit(context.Background(), "layout", nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
