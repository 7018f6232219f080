package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	pdfgate "github.com/alnah/go-pdfgate"
	"github.com/alnah/go-pdfgate/internal/errdefs"
	"github.com/alnah/go-pdfgate/internal/render"
	"github.com/alnah/go-pdfgate/internal/storage"
)

// Delivery modes.
const (
	DeliveryInline = "inline"
	DeliveryURL    = "url"
)

// generateRequest is the POST /v1/pdf body.
type generateRequest struct {
	HTML      string         `json:"html"`
	Markdown  string         `json:"markdown"`
	CSS       string         `json:"css"`
	Options   render.Options `json:"options"`
	Delivery  string         `json:"delivery"`
	RequestID string         `json:"requestId"`
}

// urlResponse is the body of a "delivery": "url" response.
type urlResponse struct {
	URL         string `json:"url"`
	ETag        string `json:"etag"`
	Size        int64  `json:"size"`
	ContentHash string `json:"contentHash"`
	ElapsedMs   int64  `json:"elapsedMs"`
	RequestID   string `json:"requestId"`
	Cached      bool   `json:"cached"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	tenant := strings.TrimSpace(r.Header.Get(HeaderTenant))
	if tenant == "" {
		writeError(w, errdefs.ErrMissingTenant)
		return
	}

	body, err := s.decodeGenerate(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if body.Delivery == DeliveryURL && s.store == nil {
		writeError(w, errDeliveryDisabled)
		return
	}
	if body.RequestID == "" {
		body.RequestID = r.Header.Get(HeaderRequestID)
	}

	res, err := s.svc.Generate(r.Context(), pdfgate.Request{
		TenantID:  tenant,
		RequestID: body.RequestID,
		HTML:      body.HTML,
		Markdown:  body.Markdown,
		CSS:       body.CSS,
		Options:   body.Options,
	})
	if err != nil {
		if status := writeError(w, err); status >= http.StatusInternalServerError {
			s.log.Error(err, "generation failed", "tenant", tenant, "requestId", body.RequestID)
		}
		return
	}

	h := w.Header()
	setRateHeaders(h, res.Rate.Limit, res.Rate.Remaining, res.Rate.ResetAt)
	setQuotaHeaders(h, res.Quota.Quota, res.Quota.Used, res.Quota.Remaining)
	h.Set(HeaderRequestID, res.RequestID)
	h.Set("X-Content-Hash", res.ContentHash)
	h.Set("X-Generation-Time", strconv.FormatInt(res.Elapsed.Milliseconds(), 10))
	h.Set("X-Cache", cacheHeader(res.Cached))

	if body.Delivery == DeliveryURL {
		s.deliverURL(w, r, tenant, res)
		return
	}

	h.Set("Content-Type", "application/pdf")
	h.Set("Content-Length", strconv.Itoa(len(res.PDF)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.PDF)
}

func (s *Server) decodeGenerate(w http.ResponseWriter, r *http.Request) (generateRequest, error) {
	var body generateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return body, fmt.Errorf("%w: request body exceeds %d bytes", errdefs.ErrPayloadTooLarge, mbe.Limit)
		}
		return body, fmt.Errorf("%w: decoding body: %v", errdefs.ErrInvalidOptions, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return body, fmt.Errorf("%w: trailing data after JSON body", errdefs.ErrInvalidOptions)
	}
	switch body.Delivery {
	case "":
		body.Delivery = DeliveryInline
	case DeliveryInline, DeliveryURL:
	default:
		return body, fmt.Errorf("%w: unknown delivery %q (must be inline or url)", errdefs.ErrInvalidOptions, body.Delivery)
	}
	return body, nil
}

func (s *Server) deliverURL(w http.ResponseWriter, r *http.Request, tenant string, res *pdfgate.Result) {
	obj, err := s.store.Put(r.Context(), storage.NewKey(), res.PDF, storage.Metadata{
		ContentType: "application/pdf",
		TenantID:    tenant,
		ContentHash: res.ContentHash,
		RequestID:   res.RequestID,
	})
	if err != nil {
		s.log.Error(err, "storing PDF failed", "tenant", tenant, "requestId", res.RequestID)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, urlResponse{
		URL:         obj.URL,
		ETag:        obj.ETag,
		Size:        obj.Size,
		ContentHash: res.ContentHash,
		ElapsedMs:   res.Elapsed.Milliseconds(),
		RequestID:   res.RequestID,
		Cached:      res.Cached,
	})
}

func cacheHeader(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenant := strings.TrimSpace(r.Header.Get(HeaderTenant))
	q, err := s.svc.Usage(r.Context(), tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	setQuotaHeaders(w.Header(), q.Quota, q.Used, q.Remaining)
	writeJSON(w, http.StatusOK, q)
}

// A file stored for one tenant is hidden from requests naming another.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	rc, obj, meta, err := s.store.Open(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	if tenant := r.Header.Get(HeaderTenant); tenant != "" && meta.TenantID != "" && tenant != meta.TenantID {
		writeError(w, fmt.Errorf("%w: %s", storage.ErrNotFound, key))
		return
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("ETag", obj.ETag)
	if meta.ContentHash != "" {
		w.Header().Set("X-Content-Hash", meta.ContentHash)
	}
	http.ServeContent(w, r, key, obj.ModTime, rc)
}

type poolStatsResponse struct {
	Pools []poolStats `json:"pools"`
}

type poolStats struct {
	Name          string  `json:"name"`
	Size          int     `json:"size"`
	Total         int     `json:"total"`
	Available     int     `json:"available"`
	InUse         int     `json:"inUse"`
	AvgAgeSeconds float64 `json:"avgAgeSeconds"`
	AvgIdleSecs   float64 `json:"avgIdleSeconds"`
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats := s.svc.PoolStats(r.Context())
	out := poolStatsResponse{Pools: make([]poolStats, 0, len(stats))}
	for _, p := range stats {
		out.Pools = append(out.Pools, poolStats{
			Name:          p.Name,
			Size:          p.Size,
			Total:         p.Total,
			Available:     p.Available,
			InUse:         p.InUse,
			AvgAgeSeconds: p.AvgAge.Seconds(),
			AvgIdleSecs:   p.AvgIdleTime.Seconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type shardReport struct {
	ShardID        int    `json:"shardId"`
	TotalGenerated int64  `json:"totalGenerated"`
	CurrentLoad    int64  `json:"currentLoad"`
	LiveHandles    int    `json:"liveHandles"`
	InUseHandles   int    `json:"inUseHandles"`
	Error          string `json:"error,omitempty"`
}

type shardStatsResponse struct {
	TotalGenerated int64         `json:"totalGenerated"`
	LiveHandles    int64         `json:"liveHandles"`
	InUseHandles   int64         `json:"inUseHandles"`
	CurrentLoad    int64         `json:"currentLoad"`
	Healthy        int           `json:"healthy"`
	Shards         []shardReport `json:"shards"`
}

func (s *Server) handleShardStats(w http.ResponseWriter, r *http.Request) {
	agg := s.svc.ShardStats(r.Context())
	out := shardStatsResponse{
		TotalGenerated: agg.TotalGenerated,
		LiveHandles:    agg.LiveHandles,
		InUseHandles:   agg.InUseHandles,
		CurrentLoad:    agg.CurrentLoad,
		Healthy:        agg.Healthy,
		Shards:         make([]shardReport, 0, len(agg.Reports)),
	}
	for _, rep := range agg.Reports {
		sr := shardReport{
			ShardID:        rep.ShardID,
			TotalGenerated: rep.Stats.TotalGenerated,
			CurrentLoad:    rep.Stats.CurrentLoad,
			LiveHandles:    rep.Stats.Pool.Total,
			InUseHandles:   rep.Stats.Pool.InUse,
		}
		if rep.Err != nil {
			sr.Error = rep.Err.Error()
		}
		out.Shards = append(out.Shards, sr)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}
