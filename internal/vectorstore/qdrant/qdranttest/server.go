// Package qdranttest provides an in-memory stand-in for the subset of the
// Qdrant REST API used by the qdrant store.
package qdranttest

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
)

type point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

type collection struct {
	size   int
	points map[string]*point
	order  []string
}

// Server is an httptest server holding collections in memory.
type Server struct {
	*httptest.Server
	mu          sync.Mutex
	collections map[string]*collection
	// Requests counts handled requests by "METHOD pattern".
	Requests map[string]int
}

// NewServer starts a fake Qdrant. Close it when done.
func NewServer() *Server {
	s := &Server{collections: make(map[string]*collection), Requests: make(map[string]int)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{name}", s.getCollection)
	mux.HandleFunc("PUT /collections/{name}", s.createCollection)
	mux.HandleFunc("PUT /collections/{name}/points", s.upsert)
	mux.HandleFunc("GET /collections/{name}/points/{id}", s.getPoint)
	mux.HandleFunc("POST /collections/{name}/points/count", s.count)
	mux.HandleFunc("POST /collections/{name}/points/search", s.search)
	mux.HandleFunc("POST /collections/{name}/points/delete", s.delete)
	s.Server = httptest.NewServer(mux)
	return s
}

// CreateCollection pre-creates a collection with the given vector size.
func (s *Server) CreateCollection(name string, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[name] = &collection{size: size, points: make(map[string]*point)}
}

// Len returns the number of points in a collection.
func (s *Server) Len(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return len(c.points)
	}
	return 0
}

func (s *Server) track(r *http.Request) {
	s.Requests[r.Method+" "+r.Pattern]++
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*collection, bool) {
	c, ok := s.collections[r.PathValue("name")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": map[string]any{"error": "not found"}})
	}
	return c, ok
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track(r)
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": map[string]any{
		"config": map[string]any{"params": map[string]any{"vectors": map[string]any{"size": c.size, "distance": "Cosine"}}},
	}})
}

func (s *Server) createCollection(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track(r)
	var body struct {
		Vectors struct {
			Size int `json:"size"`
		} `json:"vectors"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}
	s.collections[r.PathValue("name")] = &collection{size: body.Vectors.Size, points: make(map[string]*point)}
	writeJSON(w, http.StatusOK, map[string]any{"result": true})
}

func (s *Server) upsert(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track(r)
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body struct {
		Points []struct {
			ID      string         `json:"id"`
			Vector  []float32      `json:"vector"`
			Payload map[string]any `json:"payload"`
		} `json:"points"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}
	for _, p := range body.Points {
		if len(p.Vector) != c.size {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": map[string]any{"error": "wrong vector size"}})
			return
		}
	}
	for _, p := range body.Points {
		if _, exists := c.points[p.ID]; !exists {
			c.order = append(c.order, p.ID)
		}
		c.points[p.ID] = &point{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": map[string]any{"status": "completed"}})
}

func (s *Server) getPoint(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track(r)
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	p, ok := c.points[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": map[string]any{"error": "not found"}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": map[string]any{"id": p.ID, "payload": p.Payload}})
}

type condition struct {
	Key   string `json:"key"`
	Match struct {
		Value any   `json:"value"`
		Any   []any `json:"any"`
	} `json:"match"`
}

type filter struct {
	Must []condition `json:"must"`
}

func (f *filter) matches(payload map[string]any) bool {
	if f == nil {
		return true
	}
	for _, cond := range f.Must {
		got := lookupKey(payload, cond.Key)
		switch {
		case cond.Match.Any != nil:
			found := false
			for _, v := range cond.Match.Any {
				if v == got {
					found = true
				}
			}
			if !found {
				return false
			}
		case got != cond.Match.Value:
			return false
		}
	}
	return true
}

func lookupKey(payload map[string]any, key string) any {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			inner, _ := payload[key[:i]].(map[string]any)
			return lookupKey(inner, key[i+1:])
		}
	}
	return payload[key]
}

func (s *Server) count(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track(r)
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body struct {
		Filter *filter `json:"filter"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	n := 0
	for _, p := range c.points {
		if body.Filter.matches(p.Payload) {
			n++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": map[string]any{"count": n}})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track(r)
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body struct {
		Vector []float32 `json:"vector"`
		Limit  int       `json:"limit"`
		Filter *filter   `json:"filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}
	type hit struct {
		ID      string         `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	}
	hits := make([]hit, 0, len(c.points))
	// walk newest first so equal scores come back against insertion order
	for i := len(c.order) - 1; i >= 0; i-- {
		p := c.points[c.order[i]]
		if p == nil || !body.Filter.matches(p.Payload) {
			continue
		}
		hits = append(hits, hit{ID: p.ID, Score: cosine(p.Vector, body.Vector), Payload: p.Payload})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if body.Limit < len(hits) {
		hits = hits[:body.Limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": hits})
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track(r)
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body struct {
		Points []string `json:"points"`
		Filter *filter  `json:"filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}
	remove := make(map[string]bool)
	for _, id := range body.Points {
		remove[id] = true
	}
	if body.Filter != nil {
		for id, p := range c.points {
			if body.Filter.matches(p.Payload) {
				remove[id] = true
			}
		}
	}
	kept := c.order[:0]
	for _, id := range c.order {
		if remove[id] {
			delete(c.points, id)
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	writeJSON(w, http.StatusOK, map[string]any{"result": map[string]any{"status": "completed"}})
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
