package server

import (
	"encoding/json"
	"net/http"

	"github.com/Frandy/ros-vslam/internal/graph"
	"github.com/Frandy/ros-vslam/internal/sba"
)

// maxFrameBody bounds frame submissions to 16 MiB.
const maxFrameBody = 16 << 20

type frameResponse struct {
	Nodes       int    `json:"nodes"`
	Points      int    `json:"points"`
	Projections int    `json:"projections"`
	Rejected    uint64 `json:"rejected"`
}

type optimizeRequest struct {
	Iterations *int     `json:"iterations,omitempty"`
	Tolerance  *float64 `json:"tolerance,omitempty"`
}

type costResponse struct {
	// RMS is zero when Finite is false: encoding/json cannot carry
	// NaN/Inf, so divergence travels in the flag.
	RMS    float64 `json:"rms"`
	Finite bool    `json:"finite"`
}

type optimizeResponse struct {
	Iterations  int     `json:"iterations"`
	InitialRMS  float64 `json:"initial_rms"`
	FinalRMS    float64 `json:"final_rms"`
	Termination string  `json:"termination"`
	Finite      bool    `json:"finite"`
}

func finiteOrZero(v float64) (float64, bool) {
	if sba.Finite(v) {
		return v, true
	}
	return 0, false
}

type nodeState struct {
	Translation [3]float64 `json:"translation"`
	Rotation    [4]float64 `json:"rotation"`
	Fixed       bool       `json:"fixed"`
}

type graphResponse struct {
	Nodes  []nodeState  `json:"nodes"`
	Points [][4]float64 `json:"points"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleFrame ingests one batch of nodes, points and projections.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	var f graph.Frame
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrameBody))
	if err := dec.Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid frame: "+err.Error())
		return
	}

	s.mu.Lock()
	before := s.builder.Rejected()
	s.builder.AddFrame(&f)
	rejected := s.builder.Rejected() - before
	g := s.builder.Graph()
	resp := frameResponse{
		Nodes:       len(g.Nodes),
		Points:      len(g.Tracks),
		Projections: g.NumProjs(),
		Rejected:    rejected,
	}
	s.updateGraphMetrics()
	s.mu.Unlock()

	projectionsRejected.Add(float64(rejected))
	writeJSON(w, http.StatusOK, resp)
}

// handleOptimize runs one refinement pass and reports the outcome.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	iters := s.sol.Iterations
	tol := s.sol.Tolerance
	if r.ContentLength != 0 {
		var req optimizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
			return
		}
		if req.Iterations != nil {
			if *req.Iterations < 0 {
				writeError(w, http.StatusBadRequest, "iterations must be >= 0")
				return
			}
			iters = *req.Iterations
		}
		if req.Tolerance != nil && *req.Tolerance > 0 {
			tol = *req.Tolerance
		}
	}

	out, ok := s.runOptimize(iters, tol)
	if !ok {
		writeError(w, http.StatusConflict, "graph is empty")
		return
	}
	resp := optimizeResponse{
		Iterations:  out.Iterations,
		Termination: out.Term.String(),
	}
	var fi, ff bool
	resp.InitialRMS, fi = finiteOrZero(out.InitialRMS)
	resp.FinalRMS, ff = finiteOrZero(out.FinalRMS)
	resp.Finite = fi && ff
	writeJSON(w, http.StatusOK, resp)
}

// handleGraph returns a read-only snapshot of poses and points for
// visualization.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	snap := s.builder.Graph().Snapshot()
	s.mu.Unlock()

	resp := graphResponse{
		Nodes:  make([]nodeState, len(snap.Nodes)),
		Points: make([][4]float64, len(snap.Points)),
	}
	for i, n := range snap.Nodes {
		resp.Nodes[i] = nodeState{
			Translation: [3]float64{n.Trans[0], n.Trans[1], n.Trans[2]},
			Rotation:    [4]float64{n.Qrot.X, n.Qrot.Y, n.Qrot.Z, n.Qrot.W},
			Fixed:       n.Fixed,
		}
	}
	for i, p := range snap.Points {
		resp.Points[i] = [4]float64(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCost reports the current RMS cost, flagging a non-finite value
// instead of failing so callers can detect divergence.
func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cost := s.builder.Graph().CalcRMSCost()
	s.mu.Unlock()

	rms, finite := finiteOrZero(cost)
	writeJSON(w, http.StatusOK, costResponse{RMS: rms, Finite: finite})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
