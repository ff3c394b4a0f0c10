package httpadapter

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// relayUpstream copies status, headers and body to the client, flushing after
// every read so server-sent events are not buffered.
func relayUpstream(w http.ResponseWriter, r *http.Request, resp *domain.UpstreamResponse) {
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
	if id := requestIDFromContext(r.Context()); id != "" {
		header.Set(requestIDHeader, id)
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				slog.Debug("relay_client_gone", "request_id", requestIDFromContext(r.Context()), "error", werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("relay_upstream_read_failed",
					"request_id", requestIDFromContext(r.Context()),
					"error", err,
				)
			}
			return
		}
	}
}
