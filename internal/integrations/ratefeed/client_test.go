package ratefeed

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/plot-installments/internal/config"
)

const feed = `<?xml version="1.0" encoding="utf-8"?>
<Rates>
	<KeyRate><Date>2024-06-10</Date><Rate>16,00</Rate></KeyRate>
	<KeyRate><Date>2024-06-01</Date><Rate>15.50</Rate></KeyRate>
</Rates>`

func newTestClient(url, xpath, margin string) *Client {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewClient(&config.Config{
		RateFeedURL:    url,
		RateFeedXPath:  xpath,
		RateFeedMargin: decimal.RequireFromString(margin),
	}, log)
}

func TestReferenceRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(feed))
	}))
	defer srv.Close()

	rate, err := newTestClient(srv.URL, "//KeyRate/Rate", "2.5").ReferenceRate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "18.50", rate.StringFixed(2))
}

func TestReferenceRate_Errors(t *testing.T) {
	t.Run("bad status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		_, err := newTestClient(srv.URL, "//Rate", "0").ReferenceRate(context.Background())
		assert.ErrorContains(t, err, "unexpected status code: 502")
	})

	t.Run("missing element", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<Rates></Rates>`))
		}))
		defer srv.Close()
		_, err := newTestClient(srv.URL, "//Rate", "0").ReferenceRate(context.Background())
		assert.ErrorContains(t, err, "no rate found")
	})

	t.Run("not a number", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<Rates><Rate>n/a</Rate></Rates>`))
		}))
		defer srv.Close()
		_, err := newTestClient(srv.URL, "//Rate", "0").ReferenceRate(context.Background())
		assert.ErrorContains(t, err, "failed to parse rate")
	})

	t.Run("not configured", func(t *testing.T) {
		_, err := newTestClient("", "//Rate", "0").ReferenceRate(context.Background())
		assert.Error(t, err)
	})
}
