package sshkeys

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIJ0123456789abcdefghijklmnopqrstuvwxyzABCD alice@example.com"

func TestFetchParsesValidKeysAndDropsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/alice.keys", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(validKey + "\nnot-a-valid-key\n\n"))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL)
	keys, err := f.Fetch(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{validKey}, keys)
}

func TestFetchRetriesOn500ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(validKey))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL)
	keys, err := f.Fetch(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{validKey}, keys)
	assert.GreaterOrEqual(t, calls, int32(2))
}

func TestFetchGivesUpAfterExhaustingRetriesOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL)
	_, err := f.Fetch(context.Background(), "ghost")
	assert.Error(t, err)
}
