package daemon

import (
	"net/http"
	"testing"
	"time"
)

func TestHTTPServerCarriesTimeouts(t *testing.T) {
	t.Parallel()
	srv := newHTTPServer(":8081", http.NotFoundHandler())

	if srv.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("read header timeout = %v", srv.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != handlerBudget || srv.WriteTimeout != handlerBudget {
		t.Fatalf("read/write timeouts = %v/%v, want %v", srv.ReadTimeout, srv.WriteTimeout, handlerBudget)
	}
	if srv.IdleTimeout == 0 {
		t.Fatal("idle timeout not set")
	}
}
