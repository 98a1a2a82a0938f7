package driver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"tailscale.com/tsweb"
)

// AttachAdminRoutes registers driver pages on the /debug/ index of mux.
func (d *Driver) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Driver state", func() any { return d.State() })
	debug.KVFunc("Driver session", func() any { return d.Status().SessionID })
	debug.KVFunc("Frames published", func() any { return d.store.Sequence() })

	debug.HandleFunc("driver", "Driver status as JSON", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d.Status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc("driver-restart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := d.EnsureRunning(); err != nil {
			http.Error(w, fmt.Sprintf("Failed to restart: %v", err), http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, fmt.Sprintf("Driver %s, session %s", d.State(), d.Status().SessionID))
	})
}
