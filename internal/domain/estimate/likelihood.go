package estimate

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/okian/hlm/internal/domain/design"
	"github.com/okian/hlm/internal/domain/modelspec"
	"github.com/okian/hlm/pkg/logger"
)

const (
	z95            = 1.959963984540054
	startJitter    = 0.5
	convergeAbsTol = 1e-9
)

// thetaLayout describes the unconstrained variance parameterization: one
// log-sd per univariate term, (log-sd, log-sd, atanh-corr) per joint term.
// The sds are relative to the residual sd, which is profiled out.
func thetaLayout(m *design.Matrices) int {
	n := 0
	for _, rt := range m.Random {
		n += rt.Dims
		if rt.Dims == 2 {
			n++
		}
	}
	return n
}

// buildRelCov assembles the q x q block-diagonal covariance of the stacked
// group deviations, in residual-variance units, from theta.
func buildRelCov(m *design.Matrices, theta []float64) *mat.Dense {
	if m.Q == 0 {
		return nil
	}
	g := mat.NewDense(m.Q, m.Q, nil)
	pos := 0
	for _, rt := range m.Random {
		if rt.Dims == 1 {
			sd := math.Exp(theta[pos])
			pos++
			for k := 0; k < rt.K; k++ {
				j := rt.Offset + k
				g.Set(j, j, sd*sd)
			}
			continue
		}
		sd1 := math.Exp(theta[pos])
		sd2 := math.Exp(theta[pos+1])
		rho := math.Tanh(theta[pos+2])
		pos += 3
		for k := 0; k < rt.K; k++ {
			j := rt.Offset + 2*k
			g.Set(j, j, sd1*sd1)
			g.Set(j+1, j+1, sd2*sd2)
			g.Set(j, j+1, rho*sd1*sd2)
			g.Set(j+1, j, rho*sd1*sd2)
		}
	}
	return g
}

// mlSolution holds the GLS solve at one theta.
type mlSolution struct {
	deviance  float64
	beta      *mat.VecDense
	sigma2    float64
	cholV     *mat.Cholesky // of V0 = I + Z G Z'
	cholXtX   *mat.Cholesky // of X' V0^-1 X
	resid     *mat.VecDense
	vinvResid *mat.VecDense
	relCov    *mat.Dense
}

// profiledDeviance evaluates the (restricted) profiled deviance at theta.
// Returns +Inf for numerically infeasible theta.
func profiledDeviance(m *design.Matrices, theta []float64, reml bool) (*mlSolution, float64) {
	n, p := m.N, m.P
	relCov := buildRelCov(m, theta)

	// V0 = I + Z G Z'
	v0 := mat.NewSymDense(n, nil)
	if m.Q > 0 {
		var zg, zgz mat.Dense
		zg.Mul(m.Z, relCov)
		zgz.Mul(&zg, m.Z.T())
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				v0.SetSym(i, j, zgz.At(i, j))
			}
		}
	}
	for i := 0; i < n; i++ {
		v0.SetSym(i, i, v0.At(i, i)+1)
	}

	var cholV mat.Cholesky
	if ok := cholV.Factorize(v0); !ok {
		return nil, math.Inf(1)
	}

	// GLS normal equations under V0.
	vinvX := mat.NewDense(n, p, nil)
	if err := cholV.SolveTo(vinvX, m.X); err != nil {
		return nil, math.Inf(1)
	}
	var xtvx mat.Dense
	xtvx.Mul(m.X.T(), vinvX)
	xtvxSym := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			xtvxSym.SetSym(i, j, 0.5*(xtvx.At(i, j)+xtvx.At(j, i)))
		}
	}
	var cholXtX mat.Cholesky
	if ok := cholXtX.Factorize(xtvxSym); !ok {
		return nil, math.Inf(1)
	}

	vinvY := mat.NewVecDense(n, nil)
	if err := cholV.SolveVecTo(vinvY, m.Y); err != nil {
		return nil, math.Inf(1)
	}
	xtvy := mat.NewVecDense(p, nil)
	xtvy.MulVec(m.X.T(), vinvY)
	beta := mat.NewVecDense(p, nil)
	if err := cholXtX.SolveVecTo(beta, xtvy); err != nil {
		return nil, math.Inf(1)
	}

	resid := mat.NewVecDense(n, nil)
	resid.MulVec(m.X, beta)
	resid.SubVec(m.Y, resid)
	vinvResid := mat.NewVecDense(n, nil)
	if err := cholV.SolveVecTo(vinvResid, resid); err != nil {
		return nil, math.Inf(1)
	}
	qform := mat.Dot(resid, vinvResid)
	if qform <= 0 || math.IsNaN(qform) {
		return nil, math.Inf(1)
	}

	var sigma2, dev float64
	if reml {
		nf := float64(n - p)
		sigma2 = qform / nf
		dev = nf*math.Log(2*math.Pi*sigma2) + cholV.LogDet() + cholXtX.LogDet() + nf
	} else {
		nf := float64(n)
		sigma2 = qform / nf
		dev = nf*math.Log(2*math.Pi*sigma2) + cholV.LogDet() + nf
	}
	sol := &mlSolution{
		deviance:  dev,
		beta:      beta,
		sigma2:    sigma2,
		cholV:     &cholV,
		cholXtX:   &cholXtX,
		resid:     resid,
		vinvResid: vinvResid,
		relCov:    relCov,
	}
	return sol, dev
}

// fitLikelihood maximizes the (restricted) likelihood over the variance
// parameters, running the optimizer from several jittered starts and
// checking that the runs agree.
func (e *Engine) fitLikelihood(ctx context.Context, spec *modelspec.Spec, m *design.Matrices, o Options) (*FitResult, error) {
	nTheta := thetaLayout(m)

	if nTheta == 0 {
		// No group-level terms: plain (generalized) least squares with V0 = I.
		sol, dev := profiledDeviance(m, nil, o.REML)
		if math.IsInf(dev, 1) {
			return nil, fmt.Errorf("%w: singular fixed-effect design", ErrNonConvergence)
		}
		res := e.assembleLikelihoodResult(spec, m, sol, nil, o)
		res.Diagnostics = Diagnostics{Converged: true, Runs: 1}
		return res, nil
	}

	rng := rand.New(rand.NewSource(uint64(o.Seed) + 1))
	type run struct {
		theta []float64
		sol   *mlSolution
		dev   float64
	}
	var (
		runs       []run
		runBetas   [][]float64
		cancelled  bool
		iterations int
	)

	for r := 0; r < o.Chains; r++ {
		start := make([]float64, nTheta)
		if r > 0 {
			for i := range start {
				start[i] = (rng.Float64()*2 - 1) * startJitter
			}
		}

		problem := optimize.Problem{
			Func: func(theta []float64) float64 {
				if ctx.Err() != nil {
					cancelled = true
					return math.Inf(1)
				}
				_, dev := profiledDeviance(m, theta, o.REML)
				return dev
			},
		}
		settings := &optimize.Settings{
			MajorIterations: o.Iterations,
			Converger: &optimize.FunctionConverge{
				Absolute:   convergeAbsTol,
				Iterations: 100,
			},
		}
		result, err := optimize.Minimize(problem, start, settings, &optimize.NelderMead{})
		if cancelled {
			return nil, fmt.Errorf("%w: cancelled: %w", ErrNonConvergence, ctx.Err())
		}
		if err != nil {
			return nil, fmt.Errorf("%w: optimizer: %w", ErrNonConvergence, err)
		}
		switch result.Status {
		case optimize.IterationLimit, optimize.FunctionEvaluationLimit, optimize.NotTerminated:
			return nil, fmt.Errorf("%w: deviance optimization exhausted %d iterations", ErrNonConvergence, o.Iterations)
		}
		iterations += result.Stats.MajorIterations

		sol, dev := profiledDeviance(m, result.X, o.REML)
		if math.IsInf(dev, 1) {
			return nil, fmt.Errorf("%w: deviance not finite at optimum", ErrNonConvergence)
		}
		runs = append(runs, run{theta: result.X, sol: sol, dev: dev})
		runBetas = append(runBetas, mat.VecDenseCopyOf(sol.beta).RawVector().Data)
	}

	best := runs[0]
	for _, r := range runs[1:] {
		if r.dev < best.dev {
			best = r
		}
	}
	spread := runSpread(runBetas)

	res := e.assembleLikelihoodResult(spec, m, best.sol, best.theta, o)
	res.Diagnostics = Diagnostics{
		Converged:     true,
		Runs:          len(runs),
		Iterations:    iterations,
		MaxRunSpread:  spread,
		MixingSuspect: spread > o.AgreementTol,
	}
	if res.Diagnostics.MixingSuspect {
		res.Diagnostics.Warnings = append(res.Diagnostics.Warnings,
			fmt.Sprintf("optimizer restarts disagree: relative spread %.4g exceeds tolerance %.4g", spread, o.AgreementTol))
		e.logger.Warn(ctx, "restart disagreement",
			logger.String("model", spec.Name),
			logger.Float64("spread", spread),
		)
	}
	if res.Degenerate {
		res.Diagnostics.Warnings = append(res.Diagnostics.Warnings, ErrDegenerateVariance.Error())
		e.logger.Warn(ctx, "singular fit: group-level variance near zero",
			logger.String("model", spec.Name),
		)
	}
	return res, nil
}

// assembleLikelihoodResult extracts estimates, BLUPs and uncertainty from the
// solution at the optimum.
func (e *Engine) assembleLikelihoodResult(spec *modelspec.Spec, m *design.Matrices, sol *mlSolution, theta []float64, o Options) *FitResult {
	n, p := m.N, m.P
	sigma := math.Sqrt(sol.sigma2)

	res := &FitResult{
		Model:         spec.Name,
		Strategy:      StrategyLikelihood,
		Seed:          o.Seed,
		ResidualSD:    sigma,
		FactorLevels:  factorLevels(m),
		Deviance:      sol.deviance,
		LiteralParams: literalParams(m),
	}

	// Fixed effects with asymptotic standard errors.
	covBeta := mat.NewSymDense(p, nil)
	if err := sol.cholXtX.InverseTo(covBeta); err == nil {
		for j := 0; j < p; j++ {
			est := sol.beta.AtVec(j)
			se := math.Sqrt(sol.sigma2 * covBeta.At(j, j))
			res.Fixed = append(res.Fixed, Coefficient{
				Name:     m.XNames[j],
				Estimate: est,
				SE:       se,
				Lower:    est - z95*se,
				Upper:    est + z95*se,
			})
		}
	}

	if m.Q == 0 {
		res.EffectiveDF = float64(p)
		return res
	}

	// Conditional modes: u = G Z' V0^-1 r. The relative covariance G carries
	// the precision weighting, so sparse groups land near zero (the
	// population level) and dense groups near their own sample estimate.
	u := mat.NewVecDense(m.Q, nil)
	ztr := mat.NewVecDense(m.Q, nil)
	ztr.MulVec(m.Z.T(), sol.vinvResid)
	u.MulVec(sol.relCov, ztr)

	// Conditional variance: sigma^2 (G - G Z' V0^-1 Z G), diagonal only.
	var zg mat.Dense
	zg.Mul(m.Z, sol.relCov)
	vinvZG := mat.NewDense(n, m.Q, nil)
	_ = sol.cholV.SolveTo(vinvZG, &zg)
	var shrunk mat.Dense
	shrunk.Mul(zg.T(), vinvZG)

	for _, rt := range m.Random {
		for k := 0; k < rt.K; k++ {
			label, _ := rt.Index.LabelOf(k + 1)
			base := rt.Offset + k*rt.Dims
			col := base
			if rt.Term.Intercept {
				res.Groups = append(res.Groups, groupEffectRow(rt.Term.Factor, label, "intercept", "", u, sol, &shrunk, col))
				col++
			}
			if rt.Term.Slope != "" {
				res.Groups = append(res.Groups, groupEffectRow(rt.Term.Factor, label, "slope", rt.Term.Slope, u, sol, &shrunk, col))
			}
		}
	}

	// Variance components in absolute units.
	pos := 0
	for _, rt := range m.Random {
		if rt.Dims == 1 {
			sd := math.Exp(theta[pos]) * sigma
			pos++
			kind := "intercept"
			if rt.Term.Slope != "" && !rt.Term.Intercept {
				kind = "slope"
			}
			res.Variance = append(res.Variance, VarianceComponent{Factor: rt.Term.Factor, Kind: kind, SD: sd})
			if sd < o.VarianceFloor {
				res.Degenerate = true
			}
			continue
		}
		sd1 := math.Exp(theta[pos]) * sigma
		sd2 := math.Exp(theta[pos+1]) * sigma
		rho := math.Tanh(theta[pos+2])
		pos += 3
		res.Variance = append(res.Variance,
			VarianceComponent{Factor: rt.Term.Factor, Kind: "intercept", SD: sd1, Corr: rho},
			VarianceComponent{Factor: rt.Term.Factor, Kind: "slope", SD: sd2},
		)
		if sd1 < o.VarianceFloor || sd2 < o.VarianceFloor {
			res.Degenerate = true
		}
	}

	res.EffectiveDF = effectiveDF(m, sol)
	return res
}

func groupEffectRow(factor, label, kind, slope string, u *mat.VecDense, sol *mlSolution, shrunk *mat.Dense, col int) GroupEffect {
	condVar := sol.sigma2 * (sol.relCov.At(col, col) - shrunk.At(col, col))
	se := 0.0
	if condVar > 0 {
		se = math.Sqrt(condVar)
	}
	est := u.AtVec(col)
	return GroupEffect{
		Factor:   factor,
		Group:    label,
		Kind:     kind,
		Slope:    slope,
		Estimate: est,
		SE:       se,
		Lower:    est - z95*se,
		Upper:    est + z95*se,
	}
}

// effectiveDF is the trace of the mixed-model hat matrix mapping y to fitted
// values: n - tr(V0^-1) + tr((X'V0^-1X)^-1 X'V0^-2X). Shrinkage pushes it
// below the literal parameter count.
func effectiveDF(m *design.Matrices, sol *mlSolution) float64 {
	n, p := m.N, m.P

	vinv := mat.NewSymDense(n, nil)
	if err := sol.cholV.InverseTo(vinv); err != nil {
		return float64(p)
	}
	trVinv := 0.0
	for i := 0; i < n; i++ {
		trVinv += vinv.At(i, i)
	}

	vinvX := mat.NewDense(n, p, nil)
	if err := sol.cholV.SolveTo(vinvX, m.X); err != nil {
		return float64(p)
	}
	var btb mat.Dense
	btb.Mul(vinvX.T(), vinvX)
	corr := mat.NewDense(p, p, nil)
	if err := sol.cholXtX.SolveTo(corr, &btb); err != nil {
		return float64(p)
	}
	trCorr := 0.0
	for j := 0; j < p; j++ {
		trCorr += corr.At(j, j)
	}
	return float64(n) - trVinv + trCorr
}
