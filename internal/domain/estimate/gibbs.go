package estimate

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/okian/hlm/internal/domain/design"
	"github.com/okian/hlm/internal/domain/modelspec"
	"github.com/okian/hlm/pkg/logger"
	"github.com/okian/hlm/pkg/metrics"
)

const (
	sigmaProposalSD = 0.10
	thetaProposalSD = 0.15
	ctxCheckStride  = 32
)

// chainDraws collects the retained draws of one chain.
type chainDraws struct {
	coef   [][]float64 // draws x (p + q), stacked beta then u
	sigma  []float64
	vcs    [][]float64 // draws x variance-parameter vector (absolute sds, corrs)
	loglik [][]float64 // draws x n
	sweeps int
}

// fitSampling draws from the joint posterior with a Metropolis-within-Gibbs
// sweep: an exact multivariate-normal update for (beta, u) given the
// variances, and random-walk Metropolis updates for the residual and
// group-level scale parameters under the spec's priors. Chains run in
// parallel and are checked for mutual agreement.
func (e *Engine) fitSampling(ctx context.Context, spec *modelspec.Spec, m *design.Matrices, o Options) (*FitResult, error) {
	priors := columnPriors(spec, m)

	chains := make([]*chainDraws, o.Chains)
	g, gctx := errgroup.WithContext(ctx)
	for c := 0; c < o.Chains; c++ {
		g.Go(func() error {
			draws, err := e.runChain(gctx, m, priors, spec, o, o.Seed+int64(c))
			if err != nil {
				return err
			}
			chains[c] = draws
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNonConvergence, err)
	}

	return e.assembleSamplingResult(ctx, spec, m, chains, o)
}

// runChain runs one independent chain with its own deterministic seed.
func (e *Engine) runChain(ctx context.Context, m *design.Matrices, priors []modelspec.Prior, spec *modelspec.Spec, o Options, seed int64) (*chainDraws, error) {
	rng := rand.New(rand.NewSource(uint64(seed)))
	stdNorm := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}

	n, p, q := m.N, m.P, m.Q
	d := p + q

	// Stacked design C = [X | Z] and its cross-products, fixed for the fit.
	c := mat.NewDense(n, d, nil)
	for j := 0; j < p; j++ {
		c.SetCol(j, mat.Col(nil, j, m.X))
	}
	for j := 0; j < q; j++ {
		c.SetCol(p+j, mat.Col(nil, j, m.Z))
	}
	var ctc mat.Dense
	ctc.Mul(c.T(), c)
	cty := mat.NewVecDense(d, nil)
	cty.MulVec(c.T(), m.Y)

	// State. Group sds start at the residual scale, correlations at zero.
	theta := make([]float64, d)
	sigma := stat.StdDev(mat.Col(nil, 0, m.Y), nil)
	if sigma <= 0 || math.IsNaN(sigma) {
		sigma = 1
	}
	vstate := newVarianceState(m)

	keep := o.Iterations - o.BurnIn
	stride := 1
	if keep > defaultMaxKeptDraws {
		stride = (keep + defaultMaxKeptDraws - 1) / defaultMaxKeptDraws
	}

	draws := &chainDraws{}
	fitted := mat.NewVecDense(n, nil)
	thetaVec := mat.NewVecDense(d, theta)

	for sweep := 0; sweep < o.Iterations; sweep++ {
		if sweep%ctxCheckStride == 0 && ctx.Err() != nil {
			return nil, fmt.Errorf("cancelled at sweep %d: %w", sweep, ctx.Err())
		}

		// 1. Joint Gaussian update of (beta, u) | variances.
		if err := drawCoefficients(rng, &ctc, cty, priors, vstate, sigma, theta, p, q); err != nil {
			return nil, err
		}

		// 2. Residual sd via random-walk Metropolis under the residual prior.
		fitted.MulVec(c, thetaVec)
		sse := 0.0
		for i := 0; i < n; i++ {
			r := m.Y.AtVec(i) - fitted.AtVec(i)
			sse += r * r
		}
		sigma = updateSigma(rng, &stdNorm, sigma, sse, n, spec.ResidualPrior)

		// 3. Group-level scales and correlations per varying term.
		vstate.update(rng, &stdNorm, m, theta[p:])

		if sweep < o.BurnIn || (sweep-o.BurnIn)%stride != 0 {
			continue
		}

		coef := make([]float64, d)
		copy(coef, theta)
		draws.coef = append(draws.coef, coef)
		draws.sigma = append(draws.sigma, sigma)
		draws.vcs = append(draws.vcs, vstate.snapshot())

		ll := make([]float64, n)
		logNorm := -0.5*math.Log(2*math.Pi) - math.Log(sigma)
		for i := 0; i < n; i++ {
			r := m.Y.AtVec(i) - fitted.AtVec(i)
			ll[i] = logNorm - r*r/(2*sigma*sigma)
		}
		draws.loglik = append(draws.loglik, ll)
	}
	draws.sweeps = o.Iterations
	metrics.RecordSamplerIterations(o.Iterations)
	return draws, nil
}

// drawCoefficients samples (beta, u) exactly from their Gaussian full
// conditional. The posterior precision combines the data cross-product with
// the fixed-effect priors and the group-level inverse covariance, so the
// draw already carries the precision-weighted shrinkage.
func drawCoefficients(rng *rand.Rand, ctc *mat.Dense, cty *mat.VecDense, priors []modelspec.Prior, vstate *varianceState, sigma float64, out []float64, p, q int) error {
	d := p + q
	inv2 := 1 / (sigma * sigma)

	prec := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			prec.SetSym(i, j, ctc.At(i, j)*inv2)
		}
	}
	b := mat.NewVecDense(d, nil)
	for i := 0; i < d; i++ {
		b.SetVec(i, cty.AtVec(i)*inv2)
	}

	for j, pr := range priors {
		pp := 1 / (pr.Scale * pr.Scale)
		prec.SetSym(j, j, prec.At(j, j)+pp)
		b.SetVec(j, b.AtVec(j)+pr.Loc*pp)
	}
	vstate.addPrecision(prec, p)

	var chol mat.Cholesky
	if ok := chol.Factorize(prec); !ok {
		return fmt.Errorf("coefficient precision not positive definite")
	}
	mean := mat.NewVecDense(d, nil)
	if err := chol.SolveVecTo(mean, b); err != nil {
		return err
	}
	cov := mat.NewSymDense(d, nil)
	if err := chol.InverseTo(cov); err != nil {
		return err
	}
	normal, ok := distmv.NewNormal(mean.RawVector().Data, cov, rng)
	if !ok {
		return fmt.Errorf("coefficient covariance not positive definite")
	}
	normal.Rand(out)
	return nil
}

// updateSigma takes one Metropolis step on log(sigma).
func updateSigma(rng *rand.Rand, stdNorm *distuv.Normal, sigma, sse float64, n int, prior modelspec.Prior) float64 {
	logTarget := func(s float64) float64 {
		// -n log s - sse/(2 s^2) + log prior(s) + log s (log-scale Jacobian)
		return -float64(n)*math.Log(s) - sse/(2*s*s) + prior.LogDensitySD(s) + math.Log(s)
	}
	prop := sigma * math.Exp(stdNorm.Rand()*sigmaProposalSD)
	if math.Log(rng.Float64()) < logTarget(prop)-logTarget(sigma) {
		metrics.RecordSamplerAccept()
		return prop
	}
	return sigma
}

// varianceState holds the current group-level covariance parameters, one
// slot per varying term: [sd] or [sd1, sd2, rho].
type varianceState struct {
	terms  []design.RandomTerm
	params [][]float64
}

func newVarianceState(m *design.Matrices) *varianceState {
	vs := &varianceState{terms: m.Random}
	for _, rt := range m.Random {
		if rt.Dims == 1 {
			vs.params = append(vs.params, []float64{1})
		} else {
			vs.params = append(vs.params, []float64{1, 1, 0})
		}
	}
	return vs
}

// snapshot returns a flat copy of all variance parameters.
func (vs *varianceState) snapshot() []float64 {
	var out []float64
	for _, p := range vs.params {
		out = append(out, p...)
	}
	return out
}

// addPrecision adds the inverse group-level covariance into the joint
// coefficient precision, term block by term block.
func (vs *varianceState) addPrecision(prec *mat.SymDense, offset int) {
	for t, rt := range vs.terms {
		pr := vs.params[t]
		if rt.Dims == 1 {
			ip := 1 / (pr[0] * pr[0])
			for k := 0; k < rt.K; k++ {
				j := offset + rt.Offset + k
				prec.SetSym(j, j, prec.At(j, j)+ip)
			}
			continue
		}
		s1, s2, rho := pr[0], pr[1], pr[2]
		det := s1 * s1 * s2 * s2 * (1 - rho*rho)
		i11 := s2 * s2 / det
		i22 := s1 * s1 / det
		i12 := -rho * s1 * s2 / det
		for k := 0; k < rt.K; k++ {
			j := offset + rt.Offset + 2*k
			prec.SetSym(j, j, prec.At(j, j)+i11)
			prec.SetSym(j+1, j+1, prec.At(j+1, j+1)+i22)
			prec.SetSym(j, j+1, prec.At(j, j+1)+i12)
		}
	}
}

// update takes one Metropolis step per term on the unconstrained
// (log sd, atanh corr) scale, targeting the deviations' likelihood times
// the declared hyperpriors.
func (vs *varianceState) update(rng *rand.Rand, stdNorm *distuv.Normal, m *design.Matrices, u []float64) {
	for t, rt := range vs.terms {
		cur := vs.params[t]
		if rt.Dims == 1 {
			logTarget := func(sd float64) float64 {
				ll := -float64(rt.K) * math.Log(sd)
				for k := 0; k < rt.K; k++ {
					v := u[rt.Offset+k]
					ll -= v * v / (2 * sd * sd)
				}
				return ll + rt.Term.SDPrior.LogDensitySD(sd) + math.Log(sd)
			}
			prop := cur[0] * math.Exp(stdNorm.Rand()*thetaProposalSD)
			if math.Log(rng.Float64()) < logTarget(prop)-logTarget(cur[0]) {
				cur[0] = prop
				metrics.RecordSamplerAccept()
			}
			continue
		}

		logTarget := func(s1, s2, rho float64) float64 {
			det := s1 * s1 * s2 * s2 * (1 - rho*rho)
			if det <= 0 {
				return math.Inf(-1)
			}
			ll := -0.5 * float64(rt.K) * math.Log(det)
			i11 := s2 * s2 / det
			i22 := s1 * s1 / det
			i12 := -rho * s1 * s2 / det
			for k := 0; k < rt.K; k++ {
				a := u[rt.Offset+2*k]
				b := u[rt.Offset+2*k+1]
				ll -= 0.5 * (a*a*i11 + 2*a*b*i12 + b*b*i22)
			}
			// Hyperpriors plus Jacobians of the unconstrained parameterization.
			ll += rt.Term.SDPrior.LogDensitySD(s1) + math.Log(s1)
			ll += rt.Term.SlopeSDPrior.LogDensitySD(s2) + math.Log(s2)
			ll += rt.Term.CorrPrior.LogDensityCorr(rho) + math.Log(1-rho*rho)
			return ll
		}
		p1 := cur[0] * math.Exp(stdNorm.Rand()*thetaProposalSD)
		p2 := cur[1] * math.Exp(stdNorm.Rand()*thetaProposalSD)
		pr := math.Tanh(math.Atanh(cur[2]) + stdNorm.Rand()*thetaProposalSD)
		if math.Log(rng.Float64()) < logTarget(p1, p2, pr)-logTarget(cur[0], cur[1], cur[2]) {
			cur[0], cur[1], cur[2] = p1, p2, pr
			metrics.RecordSamplerAccept()
		}
	}
}

// assembleSamplingResult pools chains into posterior summaries and the WAIC
// inputs, and runs the cross-chain agreement check.
func (e *Engine) assembleSamplingResult(ctx context.Context, spec *modelspec.Spec, m *design.Matrices, chains []*chainDraws, o Options) (*FitResult, error) {
	p := m.P

	var pooledCoef [][]float64
	var pooledSigma []float64
	var pooledVCs [][]float64
	var pooledLL [][]float64
	totalSweeps := 0
	chainMeans := make([][]float64, 0, len(chains))

	for _, ch := range chains {
		pooledCoef = append(pooledCoef, ch.coef...)
		pooledSigma = append(pooledSigma, ch.sigma...)
		pooledVCs = append(pooledVCs, ch.vcs...)
		pooledLL = append(pooledLL, ch.loglik...)
		totalSweeps += ch.sweeps

		means := make([]float64, p)
		for _, draw := range ch.coef {
			for j := 0; j < p; j++ {
				means[j] += draw[j]
			}
		}
		for j := range means {
			means[j] /= float64(len(ch.coef))
		}
		chainMeans = append(chainMeans, means)
	}
	if len(pooledCoef) == 0 {
		return nil, fmt.Errorf("%w: no draws retained", ErrNonConvergence)
	}

	res := &FitResult{
		Model:         spec.Name,
		Strategy:      StrategySampling,
		Seed:          o.Seed,
		FactorLevels:  factorLevels(m),
		LogLik:        pooledLL,
		LiteralParams: literalParams(m),
	}

	column := func(j int) []float64 {
		out := make([]float64, len(pooledCoef))
		for i, draw := range pooledCoef {
			out[i] = draw[j]
		}
		return out
	}
	for j := 0; j < p; j++ {
		est, se, lo, hi := summarize(column(j))
		res.Fixed = append(res.Fixed, Coefficient{Name: m.XNames[j], Estimate: est, SE: se, Lower: lo, Upper: hi})
	}
	for _, rt := range m.Random {
		for k := 0; k < rt.K; k++ {
			label, _ := rt.Index.LabelOf(k + 1)
			col := p + rt.Offset + k*rt.Dims
			if rt.Term.Intercept {
				est, se, lo, hi := summarize(column(col))
				res.Groups = append(res.Groups, GroupEffect{Factor: rt.Term.Factor, Group: label, Kind: "intercept", Estimate: est, SE: se, Lower: lo, Upper: hi})
				col++
			}
			if rt.Term.Slope != "" {
				est, se, lo, hi := summarize(column(col))
				res.Groups = append(res.Groups, GroupEffect{Factor: rt.Term.Factor, Group: label, Kind: "slope", Slope: rt.Term.Slope, Estimate: est, SE: se, Lower: lo, Upper: hi})
			}
		}
	}

	// Variance components: posterior means on the flat snapshot layout.
	if len(pooledVCs) > 0 {
		nvc := len(pooledVCs[0])
		vcMeans := make([]float64, nvc)
		for _, draw := range pooledVCs {
			for j, v := range draw {
				vcMeans[j] += v
			}
		}
		for j := range vcMeans {
			vcMeans[j] /= float64(len(pooledVCs))
		}
		pos := 0
		for _, rt := range m.Random {
			if rt.Dims == 1 {
				kind := "intercept"
				if rt.Term.Slope != "" && !rt.Term.Intercept {
					kind = "slope"
				}
				res.Variance = append(res.Variance, VarianceComponent{Factor: rt.Term.Factor, Kind: kind, SD: vcMeans[pos]})
				if vcMeans[pos] < o.VarianceFloor {
					res.Degenerate = true
				}
				pos++
				continue
			}
			res.Variance = append(res.Variance,
				VarianceComponent{Factor: rt.Term.Factor, Kind: "intercept", SD: vcMeans[pos], Corr: vcMeans[pos+2]},
				VarianceComponent{Factor: rt.Term.Factor, Kind: "slope", SD: vcMeans[pos+1]},
			)
			if vcMeans[pos] < o.VarianceFloor || vcMeans[pos+1] < o.VarianceFloor {
				res.Degenerate = true
			}
			pos += 3
		}
	}

	sigmaMean := stat.Mean(pooledSigma, nil)
	res.ResidualSD = sigmaMean

	spread := runSpread(chainMeans)
	res.Diagnostics = Diagnostics{
		Converged:     true,
		Runs:          len(chains),
		Iterations:    totalSweeps,
		MaxRunSpread:  spread,
		MixingSuspect: spread > o.AgreementTol,
	}
	if res.Diagnostics.MixingSuspect {
		res.Diagnostics.Warnings = append(res.Diagnostics.Warnings,
			fmt.Sprintf("chains disagree: relative spread %.4g exceeds tolerance %.4g", spread, o.AgreementTol))
		e.logger.Warn(ctx, "chain disagreement",
			logger.String("model", spec.Name),
			logger.Float64("spread", spread),
		)
	}
	if res.Degenerate {
		res.Diagnostics.Warnings = append(res.Diagnostics.Warnings, ErrDegenerateVariance.Error())
	}
	return res, nil
}

// summarize reduces one parameter's pooled draws to mean, sd and a central
// 95% credible interval.
func summarize(draws []float64) (mean, sd, lower, upper float64) {
	mean = stat.Mean(draws, nil)
	sd = stat.StdDev(draws, nil)
	sorted := make([]float64, len(draws))
	copy(sorted, draws)
	sort.Float64s(sorted)
	lower = stat.Quantile(0.025, stat.Empirical, sorted, nil)
	upper = stat.Quantile(0.975, stat.Empirical, sorted, nil)
	return mean, sd, lower, upper
}
