package cnclient_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/audius-infra/creatornode/pkg/cnclient"
)

func TestExport_DecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("clock_range_min") != "1" {
			t.Fatalf("want clock_range_min=1, got %s", r.URL.Query().Get("clock_range_min"))
		}
		resp := cnclient.ExportResponse{CNodeUsers: map[string]cnclient.ExportCNodeUser{
			"uuid-1": {ClockInfo: cnclient.ExportClockInfo{LocalClockMax: 5}},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := cnclient.New(srv.URL, 0)
	resp, err := c.Export(context.Background(), []string{"0xabc"}, 1, 0)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if resp.CNodeUsers["uuid-1"].ClockInfo.LocalClockMax != 5 {
		t.Fatalf("want localClockMax 5, got %d", resp.CNodeUsers["uuid-1"].ClockInfo.LocalClockMax)
	}
}

func TestExport_NonOKStatusBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "bad range"})
	}))
	defer srv.Close()

	c := cnclient.New(srv.URL, 0)
	_, err := c.Export(context.Background(), []string{"0xabc"}, 1, 0)
	var apiErr *cnclient.APIError
	if err == nil {
		t.Fatal("want error")
	}
	if ok := asAPIError(err, &apiErr); !ok {
		t.Fatalf("want *APIError, got %T", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Message != "bad range" {
		t.Fatalf("unexpected APIError: %+v", apiErr)
	}
}

func TestFetchBlob_StreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("blob-bytes"))
	}))
	defer srv.Close()

	c := cnclient.New(srv.URL, 0)
	rc, err := c.FetchBlob(context.Background(), "Qm123")
	if err != nil {
		t.Fatalf("FetchBlob: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "blob-bytes" {
		t.Fatalf("want blob-bytes, got %q", data)
	}
}

func TestFetchBlob_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := cnclient.New(srv.URL, 0)
	_, err := c.FetchBlob(context.Background(), "Qm123")
	if err != cnclient.ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func asAPIError(err error, target **cnclient.APIError) bool {
	if apiErr, ok := err.(*cnclient.APIError); ok {
		*target = apiErr
		return true
	}
	return false
}
