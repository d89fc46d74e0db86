package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCallDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/get_device_list", r.URL.Path)
		json.NewEncoder(w).Encode([]deviceDTO{{DeviceUID: 1, FriendlyName: "Docs"}})
	}))
	defer srv.Close()

	c := newClient(srv.URL, time.Second)
	var devices []deviceDTO
	require.NoError(t, c.call(context.Background(), "get_device_list", nil, &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "Docs", devices[0].FriendlyName)
}

func TestClientCallSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(apiError{Code: "E_UNKNOWN_DEVICE", Message: "device not mounted"})
	}))
	defer srv.Close()

	c := newClient(srv.URL, time.Second)
	err := c.call(context.Background(), "get_child_list_for_spid", struct{ DeviceUID uint32 }{99}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_UNKNOWN_DEVICE")
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "a", firstNonEmpty("a", "b"))
	assert.Equal(t, "b", firstNonEmpty("", "b"))
}
