// Command upstream is a stand-in for the civic web app. It answers the
// caller-site routes with canned JSON so the gateway can be exercised end to
// end without the real app.
package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

func main() {
	var addr, name string
	flag.StringVar(&addr, "addr", ":9001", "listen address")
	flag.StringVar(&name, "name", "civic-app", "service name")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	srv := &http.Server{Addr: addr, Handler: newRouter(name), ReadHeaderTimeout: 5 * time.Second}
	log.Info("upstream listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newRouter(name string) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/chat", chat).Methods(http.MethodPost)
	r.HandleFunc("/api/tts", tts).Methods(http.MethodPost)
	r.HandleFunc("/api/bug-report", accepted("bug_report")).Methods(http.MethodPost)
	r.HandleFunc("/api/suggestions", accepted("suggestion")).Methods(http.MethodPost)
	r.HandleFunc("/api/bills/{id}/vote", vote).Methods(http.MethodPost)
	r.HandleFunc("/api/search", search).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(echo(name))
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// chat streams a reply in a few chunks the way the assistant endpoint does.
func chat(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	f, _ := w.(http.Flusher)
	for _, chunk := range []string{"This bill ", "would fund ", "transit upgrades."} {
		_, _ = w.Write([]byte(chunk))
		if f != nil {
			f.Flush()
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func tts(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "audio/mpeg")
	_, _ = w.Write(make([]byte, 1024))
}

func accepted(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"kind": kind, "status": "received"})
	}
}

func vote(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bill": mux.Vars(r)["id"], "status": "recorded"})
}

func search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": []string{}})
}

func echo(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": name,
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.RawQuery,
			"headers": r.Header,
		})
	}
}
