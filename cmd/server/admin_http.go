package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/chamber/reset"
	"chamberkeep.ai/internal/config"
	"chamberkeep.ai/internal/persistence/registry"
	"chamberkeep.ai/internal/protocol"
)

const captureTimeout = 2 * time.Minute

// adminAPI serves the local-only region endpoints.
type adminAPI struct {
	orch  *reset.Orchestrator
	store *registry.Store
	log   *log.Logger
}

func (a *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/v1/regions", a.loopback(a.listRegions))
	mux.HandleFunc("GET /admin/v1/regions/{name}", a.loopback(a.getRegion))
	mux.HandleFunc("PUT /admin/v1/regions/{name}", a.loopback(a.putRegion))
	mux.HandleFunc("DELETE /admin/v1/regions/{name}", a.loopback(a.deleteRegion))
	mux.HandleFunc("POST /admin/v1/regions/{name}/capture", a.loopback(a.capture))
	mux.HandleFunc("POST /admin/v1/regions/{name}/reset", a.loopback(a.forceReset))
	mux.HandleFunc("GET /admin/v1/regions/{name}/history", a.loopback(a.history))
}

func (a *adminAPI) loopback(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		next(rw, r)
	}
}

type regionView struct {
	Name     string             `json:"name"`
	Space    string             `json:"space"`
	Min      [3]int             `json:"min"`
	Max      [3]int             `json:"max"`
	Interval int64              `json:"interval_seconds"`
	Snapshot string             `json:"snapshot_path,omitempty"`
	Exit     *chamber.ExitPoint `json:"exit,omitempty"`
	Status   *reset.Status      `json:"status,omitempty"`
}

func viewOf(r chamber.Region, st *reset.Status) regionView {
	return regionView{
		Name:     r.Name,
		Space:    r.Space,
		Min:      [3]int{r.Min.X, r.Min.Y, r.Min.Z},
		Max:      [3]int{r.Max.X, r.Max.Y, r.Max.Z},
		Interval: int64(r.Interval / time.Second),
		Snapshot: r.SnapshotPath,
		Exit:     r.Exit,
		Status:   st,
	}
}

func (a *adminAPI) listRegions(rw http.ResponseWriter, r *http.Request) {
	regions, err := a.store.Regions(r.Context())
	if err != nil {
		writeError(rw, err)
		return
	}
	out := make([]regionView, 0, len(regions))
	for _, reg := range regions {
		var stp *reset.Status
		if st, ok := a.orch.Status(reg.Name); ok {
			stp = &st
		}
		out = append(out, viewOf(reg, stp))
	}
	writeJSON(rw, http.StatusOK, map[string]any{"regions": out})
}

func (a *adminAPI) getRegion(rw http.ResponseWriter, r *http.Request) {
	reg, err := a.store.Region(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(rw, err)
		return
	}
	var stp *reset.Status
	if st, ok := a.orch.Status(reg.Name); ok {
		stp = &st
	}
	writeJSON(rw, http.StatusOK, viewOf(reg, stp))
}

// putRegion registers or edits a region. The body uses the config file's region shape.
func (a *adminAPI) putRegion(rw http.ResponseWriter, r *http.Request) {
	var spec config.RegionSpec
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 64<<10)).Decode(&spec); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "code": protocol.ErrProtoBadRequest, "error": err.Error()})
		return
	}
	spec.Name = r.PathValue("name")
	reg := spec.Region(time.Time{})
	if err := config.CheckExtent(reg); err != nil {
		writeError(rw, err)
		return
	}
	if err := a.store.Upsert(r.Context(), reg); err != nil {
		writeError(rw, err)
		return
	}
	a.orch.Poll(r.Context())
	a.log.Printf("admin: region=%s upserted", reg.Name)
	a.getRegion(rw, r)
}

func (a *adminAPI) deleteRegion(rw http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.store.Delete(r.Context(), name); err != nil {
		writeError(rw, err)
		return
	}
	tracked := a.orch.Remove(name)
	a.log.Printf("admin: region=%s deleted tracked=%t", name, tracked)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "region": name})
}

func (a *adminAPI) capture(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), captureTimeout)
	defer cancel()
	res, err := a.orch.Capture(ctx, r.PathValue("name"))
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, res)
}

func (a *adminAPI) forceReset(rw http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.orch.ForceReset(r.Context(), name); err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, map[string]any{"ok": true, "region": name})
}

func (a *adminAPI) history(rw http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := a.store.History(r.Context(), r.PathValue("name"), limit)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"history": recs})
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, err error) {
	code, status := protocol.ErrInternal, http.StatusInternalServerError
	switch {
	case errors.Is(err, chamber.ErrUnknownRegion):
		code, status = protocol.ErrRegionNotFound, http.StatusNotFound
	case errors.Is(err, reset.ErrRegionBusy):
		code, status = protocol.ErrRegionBusy, http.StatusConflict
	case errors.Is(err, chamber.ErrValidation):
		code, status = protocol.ErrNoSnapshot, http.StatusUnprocessableEntity
	case errors.Is(err, chamber.ErrConfiguration):
		code, status = protocol.ErrBadRequest, http.StatusUnprocessableEntity
	case errors.Is(err, chamber.ErrWorldUnavailable):
		code, status = protocol.ErrWorldMissing, http.StatusServiceUnavailable
	case errors.Is(err, chamber.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(rw, status, map[string]any{"ok": false, "code": code, "error": err.Error()})
}
