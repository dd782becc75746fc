package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/asdetector/detector"
)

// NewHTTPMonitor returns a read-only router serving the acquisition status.
// It never mutates the session, so it is safe to poll during an exposure.
func NewHTTPMonitor(sess *detector.Session) chi.Router {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(sess.Status())
		if err != nil {
			fstr := fmt.Sprintf("error encoding status record to json %q", err)
			log.Println(fstr)
			http.Error(w, fstr, http.StatusInternalServerError)
		}
	})
	r.Get("/state", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintln(w, sess.State())
	})
	r.Get("/mode", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintln(w, sess.Mode())
	})
	return r
}

// ListenAndServeHTTP runs the status monitor at addr.
func ListenAndServeHTTP(addr string, sess *detector.Session) error {
	log.Println("status monitor listening at", addr)
	return http.ListenAndServe(addr, NewHTTPMonitor(sess))
}
