package stageclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetInfoSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ServiceInfo{Service: "prep", Versions: map[string]string{"qpdf": "11.0"}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	info := c.GetInfo(context.Background())
	if info.Versions["qpdf"] != "11.0" {
		t.Errorf("got %+v", info)
	}
}

func TestGetInfoFallsBackOnFailure(t *testing.T) {
	c := New("http://127.0.0.1:1")
	info := c.GetInfo(context.Background())
	if info.Service != "unknown" || info.Versions["unknown"] != "unknown" {
		t.Errorf("expected unknown fallback, got %+v", info)
	}
}

func TestSubmitPrepAccepts200And202(t *testing.T) {
	for _, code := range []int{200, 202} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		c := New(srv.URL)
		if err := c.SubmitPrep(context.Background(), "job1", "/data/in/a.cbz", "/data/work/job1"); err != nil {
			t.Errorf("code %d: unexpected error %v", code, err)
		}
		srv.Close()
	}
}

func TestSubmitPrepRejectsOtherStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.SubmitPrep(context.Background(), "job1", "/data/in/a.cbz", "/data/work/job1"); err == nil {
		t.Error("expected error on 500 status")
	}
}

func TestPollJobDecodesState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PollResult{State: WorkerDone, Artifacts: &Artifacts{RawPdf: "/data/work/job1/raw.pdf"}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	res, err := c.PollJob(context.Background(), "job1")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != WorkerDone || res.Artifacts.RawPdf == "" {
		t.Errorf("got %+v", res)
	}
}

func TestPollJobNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.PollJob(context.Background(), "job1")
	if err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
