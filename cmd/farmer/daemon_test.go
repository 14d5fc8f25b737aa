package main

import (
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestServeListenError(t *testing.T) {
	dir, err := ioutil.TempDir("", t.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	// occupy the API address
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	var dials int32
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&dials, 1)
		http.Error(w, "unexpected dial", http.StatusBadRequest)
	}))
	defer relay.Close()

	config := farmerConfig{
		DataDir:           dir,
		StorageEngine:     "bolt",
		ReapInterval:      duration(time.Hour),
		RelayURL:          "ws" + strings.TrimPrefix(relay.URL, "http"),
		LocalAddr:         "127.0.0.1:1",
		APIAddr:           l.Addr().String(),
		ReconnectInterval: duration(time.Millisecond),
	}
	done := make(chan error, 1)
	go func() { done <- serve(config) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected serve to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
	// give a stray tunnel goroutine a chance to dial
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&dials); n != 0 {
		t.Fatal("relay should not be dialed when the API cannot start, got", n, "dials")
	}
}
