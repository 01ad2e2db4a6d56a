package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/WanderningMaster/blockvault/internal/block"
	"github.com/WanderningMaster/blockvault/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
func writeErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}

func queryCID(r *http.Request) (block.CID, bool, string) {
	cidStr := strings.TrimSpace(r.URL.Query().Get("cid"))
	if cidStr == "" {
		return block.CID{}, false, "cid required"
	}
	c, err := block.DecodeCID(cidStr)
	if err != nil {
		return block.CID{}, false, err.Error()
	}
	return c, true, ""
}

// NewMux builds the HTTP mux from the provided service. A non-nil
// gatherer additionally exposes /metrics.
func NewMux(svc *service.Service, g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})

	mux.HandleFunc("/stat", func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Stat(r.Context())
		if err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		writeJSON(w, map[string]any{"count": stats.Count, "size": stats.Size})
	})

	mux.HandleFunc("/cids", func(w http.ResponseWriter, r *http.Request) {
		cids, err := svc.CIDs(r.Context())
		if err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		out := make([]string, 0, len(cids))
		for _, c := range cids {
			out = append(out, c.String())
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("/has", func(w http.ResponseWriter, r *http.Request) {
		c, ok, msg := queryCID(r)
		if !ok {
			writeErr(w, 400, msg)
			return
		}
		has, err := svc.Contains(r.Context(), c)
		if err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		writeJSON(w, map[string]any{"has": has})
	})

	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		c, ok, msg := queryCID(r)
		if !ok {
			writeErr(w, 400, msg)
			return
		}
		data, err := svc.Get(r.Context(), c)
		if err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		if data == nil {
			writeErr(w, 404, "not found")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	})

	mux.HandleFunc("/insert", func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeErr(w, 400, err.Error())
			return
		}
		b, err := block.DecodeBlock(raw)
		if err != nil {
			writeErr(w, 400, err.Error())
			return
		}
		if err := svc.Insert(r.Context(), b, nil); err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		writeJSON(w, map[string]any{"cid": b.CID.String()})
	})

	mux.HandleFunc("/alias", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			writeErr(w, 400, "name required")
			return
		}
		cidStr := strings.TrimSpace(r.URL.Query().Get("cid"))
		var target *block.CID
		if cidStr != "" {
			c, err := block.DecodeCID(cidStr)
			if err != nil {
				writeErr(w, 400, err.Error())
				return
			}
			target = &c
		}
		if err := svc.Alias(r.Context(), []byte(name), target); err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	mux.HandleFunc("/resolve", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			writeErr(w, 400, "name required")
			return
		}
		c, err := svc.Resolve(r.Context(), []byte(name))
		if err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		if c == nil {
			writeJSON(w, map[string]any{"found": false})
			return
		}
		writeJSON(w, map[string]any{"found": true, "cid": c.String()})
	})

	mux.HandleFunc("/aliases", func(w http.ResponseWriter, r *http.Request) {
		entries, err := svc.Aliases(r.Context())
		if err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		type aliasOut struct {
			Name string `json:"name"`
			CID  string `json:"cid"`
		}
		out := make([]aliasOut, 0, len(entries))
		for _, e := range entries {
			out = append(out, aliasOut{Name: string(e.Name), CID: e.CID.String()})
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("/reverse-alias", func(w http.ResponseWriter, r *http.Request) {
		c, ok, msg := queryCID(r)
		if !ok {
			writeErr(w, 400, msg)
			return
		}
		names, found, err := svc.ReverseAlias(r.Context(), c)
		if err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		out := make([]string, 0, len(names))
		for _, n := range names {
			out = append(out, string(n))
		}
		writeJSON(w, map[string]any{"found": found, "aliases": out})
	})

	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		c, ok, msg := queryCID(r)
		if !ok {
			writeErr(w, 400, msg)
			return
		}
		missing, err := svc.MissingBlocks(r.Context(), c)
		if err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		out := make([]string, 0, len(missing))
		for _, m := range missing {
			out = append(out, m.String())
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("/gc", func(w http.ResponseWriter, r *http.Request) {
		before, err := svc.Stat(r.Context())
		if err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		if err := svc.Evict(r.Context()); err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		after, err := svc.Stat(r.Context())
		if err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		writeJSON(w, map[string]any{"ok": true, "freed": int64(before.Count) - int64(after.Count)})
	})

	mux.HandleFunc("/flush", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Flush(r.Context()); err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	mux.HandleFunc("/add", func(w http.ResponseWriter, r *http.Request) {
		inPath := r.URL.Query().Get("in")
		if inPath == "" {
			writeErr(w, 400, "in required")
			return
		}
		alias := r.URL.Query().Get("alias")
		cid, err := svc.AddFromPath(r.Context(), inPath, []byte(alias))
		if err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		writeJSON(w, map[string]any{"cid": cid.String()})
	})

	mux.HandleFunc("/cat/{cid}", func(w http.ResponseWriter, r *http.Request) {
		c, err := block.DecodeCID(r.PathValue("cid"))
		if err != nil {
			writeErr(w, 400, err.Error())
			return
		}
		data, err := svc.Fetch(r.Context(), c)
		if err != nil {
			writeErr(w, 500, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	})

	if g != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}

	return mux
}
