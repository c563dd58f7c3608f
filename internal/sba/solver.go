package sba

import (
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/Frandy/ros-vslam/internal/mempool"
)

// Termination is the terminal state of an optimize pass.
type Termination int

const (
	// Converged means the relative cost improvement fell below the
	// configured tolerance (or the cost reached zero).
	Converged Termination = iota
	// MaxIterations means the iteration budget ran out first.
	MaxIterations
	// Diverged means the cost or a Jacobian became NaN/Inf; the offending
	// update was not applied.
	Diverged
	// SolveFailed means the reduced camera system could not be factorized
	// even after repeated damping increases.
	SolveFailed
)

// MarshalJSON renders the termination state as its string form.
func (t Termination) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t Termination) String() string {
	switch t {
	case Converged:
		return "converged"
	case MaxIterations:
		return "max-iterations"
	case Diverged:
		return "diverged"
	case SolveFailed:
		return "solve-failed"
	default:
		return fmt.Sprintf("termination(%d)", int(t))
	}
}

// Outcome reports what an optimize pass did.
type Outcome struct {
	Iterations int         `json:"iterations"`
	InitialRMS float64     `json:"initial_rms"`
	FinalRMS   float64     `json:"final_rms"`
	Term       Termination `json:"termination"`
}

// OptimizeOptions tune the Levenberg-Marquardt loop.
type OptimizeOptions struct {
	// Tolerance is the relative squared-cost improvement below which an
	// accepted step terminates the loop.
	Tolerance float64
	// Lambda is the initial damping factor.
	Lambda float64
	// Workers bounds the parallel residual/Jacobian evaluation;
	// <= 0 means GOMAXPROCS.
	Workers int
}

// DefaultOptimizeOptions returns the solver defaults.
func DefaultOptimizeOptions() OptimizeOptions {
	return OptimizeOptions{Tolerance: 1e-4, Lambda: 1e-4}
}

// maxSolveRetries bounds damping increases within one iteration when the
// reduced system fails to factorize.
const maxSolveRetries = 5

// Optimize runs up to iters Levenberg-Marquardt iterations and reports a
// structured outcome. Recoverable conditions (divergence, solve failure)
// terminate the pass through Outcome.Term; only invalid usage returns an
// error. With iters == 0 the graph is left untouched and the current cost
// reported.
func (g *Graph) Optimize(iters int, opts OptimizeOptions) (Outcome, error) {
	if iters < 0 {
		return Outcome{}, fmt.Errorf("sba: negative iteration count %d", iters)
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultOptimizeOptions().Tolerance
	}
	if opts.Lambda <= 0 {
		opts.Lambda = DefaultOptimizeOptions().Lambda
	}

	out := Outcome{Term: MaxIterations}
	out.InitialRMS = g.CalcRMSCost()
	out.FinalRMS = out.InitialRMS
	if !Finite(out.InitialRMS) {
		out.Term = Diverged
		return out, nil
	}
	if iters == 0 || g.nproj == 0 {
		if g.nproj == 0 {
			out.Term = Converged
		}
		return out, nil
	}

	lambda := opts.Lambda
	for it := 0; it < iters; it++ {
		cost, err := g.evaluate(opts.Workers)
		if err != nil {
			slog.Error("aborting optimization", "iteration", it, "err", err)
			out.Term = Diverged
			break
		}
		if cost == 0 {
			out.Term = Converged
			break
		}

		dc, dp, solved := g.solveStep(&lambda)
		if !solved {
			out.Term = SolveFailed
			break
		}

		saved := g.saveState()
		g.applyStep(dc, dp)
		newCost := g.CalcCost()
		out.Iterations++

		if !Finite(newCost) {
			g.restoreState(saved)
			out.Term = Diverged
			break
		}
		if newCost > cost {
			// Rejected step: revert and damp harder.
			g.restoreState(saved)
			lambda *= 10
			continue
		}
		lambda /= 10
		if (cost-newCost)/cost < opts.Tolerance {
			out.Term = Converged
			break
		}
	}

	out.FinalRMS = g.CalcRMSCost()
	return out, nil
}

// evaluate refreshes node transforms and computes every valid
// projection's residual and Jacobian blocks, fanning the independent
// per-projection work across a bounded set of workers. Returns the total
// squared cost of the current state.
func (g *Graph) evaluate(workers int) (float64, error) {
	for _, n := range g.Nodes {
		n.Prepare()
	}

	type job struct {
		t *Track
		p *Proj
	}
	jobs := make([]job, 0, g.nproj)
	for _, t := range g.Tracks {
		for _, p := range t.Projs {
			if p.Valid {
				jobs = append(jobs, job{t, p})
			}
		}
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	run := func(js []job) (float64, error) {
		var cost float64
		for _, j := range js {
			cost += j.p.CalcErr(g.Nodes[j.p.NodeIndex], j.t.Point)
			if j.p.degenerate {
				continue
			}
			if err := j.p.SetJacobians(g.Nodes[j.p.NodeIndex], j.t.Point); err != nil {
				return cost, fmt.Errorf("projection on camera %d: %w", j.p.NodeIndex, err)
			}
		}
		return cost, nil
	}

	if workers == 1 {
		return run(jobs)
	}

	costs := make([]float64, workers)
	errs := make([]error, workers)
	chunk := (len(jobs) + workers - 1) / workers
	var wg sync.WaitGroup
	for w := range workers {
		lo := w * chunk
		hi := min(lo+chunk, len(jobs))
		wg.Add(1)
		go func(w int, js []job) {
			defer wg.Done()
			costs[w], errs[w] = run(js)
		}(w, jobs[lo:hi])
	}
	wg.Wait()

	var cost float64
	for w := range workers {
		cost += costs[w]
		if errs[w] != nil {
			return 0, errs[w]
		}
	}
	return cost, nil
}

// solveStep assembles and solves the damped normal equations, retrying
// with increased damping when factorization fails. It returns the camera
// update (6 values per free node, indexed by free-block order) and the
// per-track point update.
func (g *Graph) solveStep(lambda *float64) ([]float64, []Vec3, bool) {
	for try := 0; try <= maxSolveRetries; try++ {
		dc, dp, ok := g.assembleAndSolve(*lambda)
		if ok {
			return dc, dp, true
		}
		*lambda *= 10
	}
	slog.Error("reduced camera system not positive definite", "lambda", *lambda)
	return nil, nil, false
}

// assembleAndSolve builds the Schur-reduced camera system for the current
// linearization, solves it by Cholesky factorization, and back-substitutes
// the point updates. Point variables are eliminated track by track using
// each track's damped 3x3 Hessian block, which is far cheaper than the
// full augmented system when points outnumber cameras.
func (g *Graph) assembleAndSolve(lambda float64) ([]float64, []Vec3, bool) {
	// Fixed nodes never enter the reduced system; map the rest to dense
	// block indices.
	free := make([]int, len(g.Nodes))
	nfree := 0
	for i, n := range g.Nodes {
		if n.Fixed {
			free[i] = -1
			continue
		}
		free[i] = nfree
		nfree++
	}

	// Scratch buffers are pooled: a damping retry rebuilds both from
	// scratch, and Cholesky copies what it needs during factorization.
	dim := 6 * nfree
	s := mempool.GetFloat64(dim * dim)
	rhs := mempool.GetFloat64(dim)
	defer mempool.PutFloat64(s)
	defer mempool.PutFloat64(rhs)

	// Camera-camera terms and gradient.
	for _, t := range g.Tracks {
		for _, p := range t.Projs {
			if !p.contributes() {
				continue
			}
			c := free[p.NodeIndex]
			if c < 0 {
				continue
			}
			base := 6 * c
			for i := range 6 {
				row := (base + i) * dim
				for j := range 6 {
					s[row+base+j] += p.Hcc[i][j]
				}
				rhs[base+i] -= p.JcTE[i]
			}
		}
	}
	for i := range dim {
		s[i*dim+i] *= 1 + lambda
	}

	// Per-track elimination: fold each point's block into the camera
	// system, keeping what back-substitution needs.
	type trackElim struct {
		vinv Mat3
		gp   Vec3
	}
	elims := make([]trackElim, len(g.Tracks))
	for ti, t := range g.Tracks {
		var v Mat3
		var gp Vec3
		for _, p := range t.Projs {
			if !p.contributes() {
				continue
			}
			for i := range 3 {
				for j := range 3 {
					v[i][j] += p.Hpp[i][j]
				}
				gp[i] += p.Bp[i]
			}
		}
		for i := range 3 {
			v[i][i] *= 1 + lambda
		}
		vinv, ok := invertMat3(&v)
		if !ok {
			// Point block singular even after damping; treated like a
			// factorization failure so the caller damps harder.
			if trackObserved(t) {
				return nil, nil, false
			}
			continue
		}
		elims[ti] = trackElim{vinv: vinv, gp: gp}

		if nfree == 0 {
			continue
		}
		// Y_i = Hpc_i^T * Vinv for every projection with a free camera.
		type yblock struct {
			cam int
			y   [6][3]float64
			hpc *[3][6]float64
		}
		var ys []yblock
		for _, p := range t.Projs {
			if !p.contributes() {
				continue
			}
			c := free[p.NodeIndex]
			if c < 0 {
				continue
			}
			var y yblock
			y.cam = c
			y.hpc = &p.Hpc
			for i := range 6 {
				for j := range 3 {
					y.y[i][j] = p.Hpc[0][i]*vinv[0][j] + p.Hpc[1][i]*vinv[1][j] + p.Hpc[2][i]*vinv[2][j]
				}
			}
			ys = append(ys, y)
		}
		for _, yi := range ys {
			rb := 6 * yi.cam
			for i := range 6 {
				rhs[rb+i] += yi.y[i][0]*gp[0] + yi.y[i][1]*gp[1] + yi.y[i][2]*gp[2]
			}
			for _, yj := range ys {
				cb := 6 * yj.cam
				for i := range 6 {
					row := (rb + i) * dim
					for j := range 6 {
						s[row+cb+j] -= yi.y[i][0]*yj.hpc[0][j] + yi.y[i][1]*yj.hpc[1][j] + yi.y[i][2]*yj.hpc[2][j]
					}
				}
			}
		}
	}

	// Solve the reduced camera system.
	dc := make([]float64, dim)
	if nfree > 0 {
		var chol mat.Cholesky
		if !chol.Factorize(mat.NewSymDense(dim, s)) {
			return nil, nil, false
		}
		x := mat.NewVecDense(dim, dc)
		if err := chol.SolveVecTo(x, mat.NewVecDense(dim, rhs)); err != nil {
			return nil, nil, false
		}
	}

	// Back-substitute point updates.
	dp := make([]Vec3, len(g.Tracks))
	for ti, t := range g.Tracks {
		e := &elims[ti]
		r := Vec3{-e.gp[0], -e.gp[1], -e.gp[2]}
		for _, p := range t.Projs {
			if !p.contributes() {
				continue
			}
			c := free[p.NodeIndex]
			if c < 0 {
				continue
			}
			base := 6 * c
			for i := range 3 {
				for j := range 6 {
					r[i] -= p.Hpc[i][j] * dc[base+j]
				}
			}
		}
		dp[ti] = e.vinv.MulVec3(r)
	}

	return dc, dp, true
}

// contributes reports whether p takes part in the current linearized
// system: valid and not degenerate (point in front of the camera).
func (p *Proj) contributes() bool {
	return p.Valid && !p.degenerate
}

func trackObserved(t *Track) bool {
	for _, p := range t.Projs {
		if p.contributes() {
			return true
		}
	}
	return false
}

// graphState is the saved pose/point state for step rollback.
type graphState struct {
	trans  []Vec4
	qrot   []Quat
	points []Vec4
}

func (g *Graph) saveState() *graphState {
	st := &graphState{
		trans:  make([]Vec4, len(g.Nodes)),
		qrot:   make([]Quat, len(g.Nodes)),
		points: make([]Vec4, len(g.Tracks)),
	}
	for i, n := range g.Nodes {
		st.trans[i] = n.Trans
		st.qrot[i] = n.Qrot
	}
	for i, t := range g.Tracks {
		st.points[i] = t.Point
	}
	return st
}

func (g *Graph) restoreState(st *graphState) {
	for i, n := range g.Nodes {
		n.UpdatePose(st.trans[i], st.qrot[i])
	}
	for i, t := range g.Tracks {
		t.Point = st.points[i]
	}
}

// applyStep advances non-fixed node poses and all point positions.
func (g *Graph) applyStep(dc []float64, dp []Vec3) {
	b := 0
	for _, n := range g.Nodes {
		if n.Fixed {
			continue
		}
		dt := Vec3{dc[b], dc[b+1], dc[b+2]}
		dq := Vec3{dc[b+3], dc[b+4], dc[b+5]}
		n.applyIncrement(dt, dq)
		b += 6
	}
	for i, t := range g.Tracks {
		t.Point[0] += dp[i][0]
		t.Point[1] += dp[i][1]
		t.Point[2] += dp[i][2]
	}
}

// invertMat3 inverts m by cofactor expansion, reporting failure for a
// numerically singular block.
func invertMat3(m *Mat3) (Mat3, bool) {
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	if math.Abs(det) < 1e-300 || math.IsNaN(det) {
		return Mat3{}, false
	}
	id := 1 / det
	var inv Mat3
	inv[0][0] = (m[1][1]*m[2][2] - m[1][2]*m[2][1]) * id
	inv[0][1] = (m[0][2]*m[2][1] - m[0][1]*m[2][2]) * id
	inv[0][2] = (m[0][1]*m[1][2] - m[0][2]*m[1][1]) * id
	inv[1][0] = (m[1][2]*m[2][0] - m[1][0]*m[2][2]) * id
	inv[1][1] = (m[0][0]*m[2][2] - m[0][2]*m[2][0]) * id
	inv[1][2] = (m[0][2]*m[1][0] - m[0][0]*m[1][2]) * id
	inv[2][0] = (m[1][0]*m[2][1] - m[1][1]*m[2][0]) * id
	inv[2][1] = (m[0][1]*m[2][0] - m[0][0]*m[2][1]) * id
	inv[2][2] = (m[0][0]*m[1][1] - m[0][1]*m[1][0]) * id
	return inv, true
}
