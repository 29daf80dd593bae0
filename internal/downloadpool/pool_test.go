package downloadpool

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kraklabs/scint"
)

func TestFetchReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	p := New(4)
	body, err := p.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()

	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("body = %q, want hello", got)
	}
}

func TestFetchReturnsErrNotFoundOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(4)
	_, err := p.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(*ErrNotFound); !ok {
		t.Fatalf("err = %T, want *ErrNotFound", err)
	}
}

func TestFetchCapturesResponseDetailOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Www-Authenticate", "Basic realm=gems")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad credentials"))
	}))
	defer srv.Close()

	p := New(4)
	_, err := p.Fetch(context.Background(), srv.URL)
	typed, ok := err.(*scint.Error)
	if !ok {
		t.Fatalf("err = %T, want *scint.Error", err)
	}
	if typed.Kind != scint.ErrNetwork {
		t.Fatalf("Kind = %v, want ErrNetwork", typed.Kind)
	}
	if got := typed.ResponseHeaders["Www-Authenticate"]; len(got) != 1 || got[0] != "Basic realm=gems" {
		t.Fatalf("ResponseHeaders = %v, want the Www-Authenticate header", typed.ResponseHeaders)
	}
	if typed.ResponseBody != "bad credentials" {
		t.Fatalf("ResponseBody = %q", typed.ResponseBody)
	}
}

func TestFetchDecompressesGzipBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		gw.Write([]byte("compressed payload"))
		gw.Close()
	}))
	defer srv.Close()

	p := New(4)
	body, err := p.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()

	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "compressed payload" {
		t.Fatalf("body = %q, want compressed payload", got)
	}
}

func TestParseIndexLineExtractsVersionAndDeps(t *testing.T) {
	entry, ok := parseIndexLine("1.17.0 dep:>=2.0,other:~>1.0|checksum:deadbeef")
	if !ok {
		t.Fatal("expected a parsed entry")
	}
	want := []scint.SpecDependency{
		{Name: "dep", Reqs: []string{">=2.0"}},
		{Name: "other", Reqs: []string{"~>1.0"}},
	}
	if entry.Version != "1.17.0" {
		t.Fatalf("Version = %q, want 1.17.0", entry.Version)
	}
	if entry.Checksum != "deadbeef" {
		t.Fatalf("Checksum = %q, want deadbeef", entry.Checksum)
	}
	if diff := cmp.Diff(want, entry.Dependencies); diff != "" {
		t.Fatalf("Dependencies mismatch (-want +got):\n%s", diff)
	}
}

func TestParseIndexLinePlatformSuffix(t *testing.T) {
	entry, ok := parseIndexLine("1.16.0-x86_64-linux |checksum:abc")
	if !ok {
		t.Fatal("expected a parsed entry")
	}
	if entry.Version != "1.16.0" || entry.Platform != "x86_64-linux" {
		t.Fatalf("entry = %+v", entry)
	}
}
