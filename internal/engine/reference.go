package engine

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"hpvscreen/internal/cascade"
	"hpvscreen/internal/logging"
	"hpvscreen/internal/params"
)

// genotypeRates are annual per-partner transmission, clearance and CIN progression rates.
type genotypeRates struct {
	beta        float64
	clearance   float64
	progression float64
}

var knownGenotypes = map[string]genotypeRates{
	"16":  {beta: 0.60, clearance: 0.25, progression: 0.06},
	"18":  {beta: 0.50, clearance: 0.28, progression: 0.05},
	"hi5": {beta: 0.45, clearance: 0.33, progression: 0.03},
	"ohr": {beta: 0.40, clearance: 0.40, progression: 0.01},
}

var otherGenotype = genotypeRates{beta: 0.40, clearance: 0.40, progression: 0.01}

const (
	initialPrevalence = 0.05
	cinRegression     = 0.10
	cancerOnset       = 0.02
	cancerMortality   = 0.08
	radiationEffect   = 0.4
	testSensitivity   = 0.90
	testSpecificity   = 0.95
	ablationEfficacy  = 0.81
	excisionEfficacy  = 0.91
	maxInitialAge     = 80.0
)

// Reference is the built-in agent model. It is seeded and deterministic, and approximates
// HPV natural history only well enough to drive a cascade end to end.
type Reference struct {
	Log *zap.Logger
}

func (e *Reference) Name() string {
	return "reference"
}

func (e *Reference) Run(ctx context.Context, job Job) (*Result, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	if err := checkProducts(job.Cascade); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := logging.OrNop(e.Log)

	s := newSim(job)
	res, err := s.run(ctx, log)
	if err != nil {
		return nil, err
	}
	res.Label = job.Label
	res.Engine = e.Name()
	log.Info("reference run finished",
		zap.String("label", job.Label),
		zap.Int("years", len(res.Series[SeriesYear])),
		zap.Float64("cancers", sum(res.Series[SeriesCancers])),
	)
	return res, nil
}

func checkProducts(c *cascade.Cascade) error {
	if c == nil {
		return nil
	}
	for i, step := range c.Steps {
		switch step.Product {
		case cascade.ProductHPV, cascade.ProductTxAssigner, cascade.ProductAblation,
			cascade.ProductExcision, cascade.ProductRadiation:
		default:
			return fmt.Errorf("step %d (%s): reference engine does not support product %q", i, step.Label, step.Product)
		}
	}
	return nil
}

type sim struct {
	pars     params.Pars
	cascade  *cascade.Cascade
	rng      *rand.Rand
	rates    []genotypeRates
	age      []float64
	female   []bool
	alive    []bool
	debut    []float64
	infected [][]bool
	cin      []bool
	cancer   []bool
	radiated []bool
	screened []float64
	outcomes map[string]map[string]int
}

// tally accumulates one reporting year.
type tally struct {
	infections, cins, cancers, cancerDeaths, screened, treated float64
}

func newSim(job Job) *sim {
	p := job.Pars
	n := p.NAgents
	seed := uint64(p.RandSeed)
	s := &sim{
		pars:     p,
		cascade:  job.Cascade,
		rng:      rand.New(rand.NewSource(seed)),
		age:      make([]float64, n),
		female:   make([]bool, n),
		alive:    make([]bool, n),
		debut:    make([]float64, n),
		cin:      make([]bool, n),
		cancer:   make([]bool, n),
		radiated: make([]bool, n),
		screened: make([]float64, n),
		outcomes: map[string]map[string]int{},
	}
	for _, g := range p.Genotypes {
		r, ok := knownGenotypes[g]
		if !ok {
			r = otherGenotype
		}
		s.rates = append(s.rates, r)
		s.infected = append(s.infected, make([]bool, n))
	}
	for uid := 0; uid < n; uid++ {
		s.birth(uid, s.rng.Float64()*maxInitialAge)
		if s.age[uid] >= s.debut[uid] {
			for g := range s.infected {
				if s.rng.Float64() < initialPrevalence {
					s.infected[g][uid] = true
				}
			}
		}
	}
	if job.Cascade != nil {
		for _, step := range job.Cascade.Steps {
			s.outcomes[step.Label] = map[string]int{}
		}
	}
	return s
}

func (s *sim) birth(uid int, age float64) {
	s.age[uid] = age
	s.female[uid] = s.rng.Float64() < 0.5
	s.alive[uid] = true
	debut := s.pars.Debut.M
	if s.female[uid] {
		debut = s.pars.Debut.F
	}
	s.debut[uid] = s.lognormal(debut.Par1, debut.Par2)
	for g := range s.infected {
		s.infected[g][uid] = false
	}
	s.cin[uid] = false
	s.cancer[uid] = false
	s.radiated[uid] = false
	s.screened[uid] = math.NaN()
}

func (s *sim) run(ctx context.Context, log *zap.Logger) (*Result, error) {
	p := s.pars
	nYears := p.End - p.Start
	nSteps := int(math.Round(float64(nYears) / p.DT))

	series := map[string][]float64{}
	for _, name := range []string{
		SeriesYear, SeriesCancers, SeriesCancerDeaths, SeriesInfections, SeriesCINs,
		SeriesScreened, SeriesTreated, SeriesAlive, SeriesHPVPrevalence,
	} {
		series[name] = make([]float64, nYears)
	}
	for i := range series[SeriesYear] {
		series[SeriesYear][i] = float64(p.Start + i)
	}

	var acc tally
	for t := 0; t < nSteps; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		year := float64(p.Start) + float64(t)*p.DT
		yi := int(math.Floor(float64(t)*p.DT + 1e-9))
		if yi >= nYears {
			yi = nYears - 1
		}

		s.replaceDead()
		s.ageAndDie()
		acc.infections += s.transmit()
		cins, cancers, deaths := s.progress()
		acc.cins += cins
		acc.cancers += cancers
		acc.cancerDeaths += deaths
		screened, treated, err := s.intervene(t, year)
		if err != nil {
			return nil, err
		}
		acc.screened += screened
		acc.treated += treated

		lastOfYear := t == nSteps-1 || int(math.Floor(float64(t+1)*p.DT+1e-9)) != yi
		if !lastOfYear {
			continue
		}
		alive, prevalence := s.prevalence()
		series[SeriesInfections][yi] += acc.infections
		series[SeriesCINs][yi] += acc.cins
		series[SeriesCancers][yi] += acc.cancers
		series[SeriesCancerDeaths][yi] += acc.cancerDeaths
		series[SeriesScreened][yi] += acc.screened
		series[SeriesTreated][yi] += acc.treated
		series[SeriesAlive][yi] = alive
		series[SeriesHPVPrevalence][yi] = prevalence
		if p.Verbose > 0 {
			log.Debug("year complete",
				zap.Int("year", p.Start+yi),
				zap.Float64("cancers", acc.cancers),
				zap.Float64("screened", acc.screened),
				zap.Float64("prevalence", prevalence),
			)
		}
		acc = tally{}
	}

	return &Result{
		Series:   series,
		Outcomes: s.outcomes,
		People:   s.people(),
	}, nil
}

func (s *sim) stepProb(annual float64) float64 {
	if annual >= 1 {
		return 1
	}
	return 1 - math.Pow(1-annual, s.pars.DT)
}

func (s *sim) replaceDead() {
	for uid := range s.alive {
		if !s.alive[uid] {
			s.birth(uid, 0)
		}
	}
}

func (s *sim) ageAndDie() {
	for uid := range s.alive {
		s.age[uid] += s.pars.DT
		mort := 0.002 + 0.00005*math.Exp(0.1*s.age[uid])
		if s.rng.Float64() < s.stepProb(math.Min(mort, 1)) {
			s.alive[uid] = false
		}
	}
}

func (s *sim) anyInfection(uid int) bool {
	for g := range s.infected {
		if s.infected[g][uid] {
			return true
		}
	}
	return false
}

func (s *sim) active(uid int) bool {
	return s.alive[uid] && s.age[uid] >= s.debut[uid]
}

// contacts draws this step's partner count from layer participation and poisson1 partner counts.
func (s *sim) contacts(uid int) float64 {
	partners := s.pars.MPartners
	if s.female[uid] {
		partners = s.pars.FPartners
	}
	n := 0
	layers := []struct {
		table params.AgeTable
		dist  params.Dist
	}{
		{s.pars.LayerProbs.M, partners.M},
		{s.pars.LayerProbs.C, partners.C},
	}
	for _, layer := range layers {
		if s.rng.Float64() < layer.table.At(s.age[uid], s.female[uid]) {
			n += 1 + s.poisson(layer.dist.Par1)
		}
	}
	return float64(n)
}

func (s *sim) transmit() float64 {
	nG := len(s.infected)
	activeBySex := [2]float64{}
	infectedBySex := [2][]float64{make([]float64, nG), make([]float64, nG)}
	for uid := range s.alive {
		if !s.active(uid) {
			continue
		}
		sex := sexIndex(s.female[uid])
		activeBySex[sex]++
		for g := 0; g < nG; g++ {
			if s.infected[g][uid] {
				infectedBySex[sex][g]++
			}
		}
	}

	var newInfections float64
	for uid := range s.alive {
		if !s.active(uid) {
			continue
		}
		other := 1 - sexIndex(s.female[uid])
		if activeBySex[other] == 0 {
			continue
		}
		c := s.contacts(uid)
		if c == 0 {
			continue
		}
		for g := 0; g < nG; g++ {
			if s.infected[g][uid] {
				continue
			}
			prev := infectedBySex[other][g] / activeBySex[other]
			if s.rng.Float64() < 1-math.Exp(-s.rates[g].beta*c*prev*s.pars.DT) {
				s.infected[g][uid] = true
				newInfections++
			}
		}
	}
	return newInfections
}

func (s *sim) progress() (cins, cancers, deaths float64) {
	for uid := range s.alive {
		if !s.alive[uid] {
			continue
		}
		for g := range s.infected {
			if !s.infected[g][uid] {
				continue
			}
			r := s.rates[g]
			if s.rng.Float64() < s.stepProb(r.clearance) {
				s.infected[g][uid] = false
				continue
			}
			if s.female[uid] && !s.cin[uid] && s.rng.Float64() < s.stepProb(r.progression) {
				s.cin[uid] = true
				cins++
			}
		}
		if s.cin[uid] && !s.cancer[uid] {
			if !s.anyInfection(uid) && s.rng.Float64() < s.stepProb(cinRegression) {
				s.cin[uid] = false
			} else if s.rng.Float64() < s.stepProb(cancerOnset) {
				s.cancer[uid] = true
				cancers++
			}
		}
		if s.cancer[uid] {
			mort := cancerMortality
			if s.radiated[uid] {
				mort *= radiationEffect
			}
			if s.rng.Float64() < s.stepProb(mort) {
				s.alive[uid] = false
				deaths++
			}
		}
	}
	return cins, cancers, deaths
}

// intervene evaluates the cascade in step order against a fresh outcome table.
func (s *sim) intervene(t int, year float64) (screened, treated float64, err error) {
	if s.cascade == nil {
		return 0, 0, nil
	}
	table := make(cascade.OutcomeTable, len(s.cascade.Steps))
	snap := cascade.Snapshot{T: t, DT: s.pars.DT, DateScreened: s.screened}

	for pos, step := range s.cascade.Steps {
		if step.StartYear > 0 && year < float64(step.StartYear) {
			table[pos] = cascade.Buckets{}
			continue
		}
		admit := s.filter(step)
		snap.UIDs = snap.UIDs[:0]
		for uid := range s.alive {
			if admit(uid) {
				snap.UIDs = append(snap.UIDs, uid)
			}
		}
		eligible, err := step.Eligibility.Eval(snap, table)
		if err != nil {
			return 0, 0, fmt.Errorf("step %d (%s): %w", pos, step.Label, err)
		}

		prob := step.Prob
		if step.AnnualProb {
			prob = s.stepProb(prob)
		}
		accepted := make([]int, 0, len(eligible))
		for _, uid := range eligible {
			if admit(uid) && s.rng.Float64() < prob {
				accepted = append(accepted, uid)
			}
		}

		buckets, n := s.apply(step.Product, accepted, t)
		switch step.Product {
		case cascade.ProductHPV:
			screened += n
		case cascade.ProductAblation, cascade.ProductExcision, cascade.ProductRadiation:
			treated += n
		}
		table[pos] = buckets
		for name, ids := range buckets {
			s.outcomes[step.Label][name] += len(ids)
		}
	}
	return screened, treated, nil
}

// filter returns the per-person admission rule layered on top of eligibility.
func (s *sim) filter(step cascade.Step) func(int) bool {
	return func(uid int) bool {
		if uid < 0 || uid >= len(s.alive) || !s.alive[uid] {
			return false
		}
		if step.Kind == cascade.KindScreening && !s.female[uid] {
			return false
		}
		if step.AgeRange != nil {
			age := s.age[uid]
			if age < step.AgeRange[0] || age >= step.AgeRange[1] {
				return false
			}
		}
		return true
	}
}

// apply runs a product on the accepted people and returns its outcome buckets.
func (s *sim) apply(product string, ids []int, t int) (cascade.Buckets, float64) {
	switch product {
	case cascade.ProductHPV:
		out := cascade.Buckets{cascade.BucketPositive: {}, cascade.BucketNegative: {}}
		for _, uid := range ids {
			positiveProb := 1 - testSpecificity
			if s.anyInfection(uid) || s.cin[uid] {
				positiveProb = testSensitivity
			}
			bucket := cascade.BucketNegative
			if s.rng.Float64() < positiveProb {
				bucket = cascade.BucketPositive
			}
			out[bucket] = append(out[bucket], uid)
			s.screened[uid] = float64(t)
		}
		return out, float64(len(ids))
	case cascade.ProductTxAssigner:
		out := cascade.Buckets{
			cascade.BucketNone: {}, cascade.BucketAblation: {},
			cascade.BucketExcision: {}, cascade.BucketRadiation: {},
		}
		for _, uid := range ids {
			bucket := cascade.BucketNone
			switch {
			case s.cancer[uid]:
				bucket = cascade.BucketRadiation
			case s.cin[uid]:
				bucket = cascade.BucketExcision
				if s.rng.Float64() < 0.7 {
					bucket = cascade.BucketAblation
				}
			case s.anyInfection(uid):
				if s.rng.Float64() < 0.5 {
					bucket = cascade.BucketAblation
				}
			}
			out[bucket] = append(out[bucket], uid)
		}
		return out, 0
	case cascade.ProductAblation, cascade.ProductExcision:
		efficacy := ablationEfficacy
		if product == cascade.ProductExcision {
			efficacy = excisionEfficacy
		}
		out := cascade.Buckets{cascade.BucketSuccessful: {}, cascade.BucketUnsuccessful: {}}
		for _, uid := range ids {
			if s.cancer[uid] || s.rng.Float64() >= efficacy {
				out[cascade.BucketUnsuccessful] = append(out[cascade.BucketUnsuccessful], uid)
				continue
			}
			for g := range s.infected {
				s.infected[g][uid] = false
			}
			s.cin[uid] = false
			out[cascade.BucketSuccessful] = append(out[cascade.BucketSuccessful], uid)
		}
		return out, float64(len(ids))
	case cascade.ProductRadiation:
		out := cascade.Buckets{cascade.BucketSuccessful: {}}
		for _, uid := range ids {
			s.radiated[uid] = true
			out[cascade.BucketSuccessful] = append(out[cascade.BucketSuccessful], uid)
		}
		return out, float64(len(ids))
	}
	return cascade.Buckets{}, 0
}

func (s *sim) prevalence() (alive, prevalence float64) {
	var infected float64
	for uid := range s.alive {
		if !s.alive[uid] {
			continue
		}
		alive++
		if s.anyInfection(uid) {
			infected++
		}
	}
	if alive == 0 {
		return 0, 0
	}
	return alive, infected / alive
}

func (s *sim) people() []Person {
	out := make([]Person, 0, len(s.alive))
	for uid := range s.alive {
		state := "susceptible"
		switch {
		case !s.alive[uid]:
			state = "dead"
		case s.cancer[uid]:
			state = "cancer"
		case s.cin[uid]:
			state = "cin"
		case s.anyInfection(uid):
			state = "infected"
		}
		date := s.screened[uid]
		if math.IsNaN(date) {
			date = -1
		}
		out = append(out, Person{
			UID:          uid,
			Age:          s.age[uid],
			Female:       s.female[uid],
			State:        state,
			DateScreened: date,
		})
	}
	return out
}

// lognormal samples with the given mean and standard deviation of the distribution itself.
func (s *sim) lognormal(mean, std float64) float64 {
	sigma2 := math.Log(1 + (std*std)/(mean*mean))
	d := distuv.LogNormal{
		Mu:    math.Log(mean) - sigma2/2,
		Sigma: math.Sqrt(sigma2),
		Src:   s.rng,
	}
	return d.Rand()
}

func (s *sim) poisson(lambda float64) int {
	if lambda <= 0 {
		return 0
	}
	return int(distuv.Poisson{Lambda: lambda, Src: s.rng}.Rand())
}

func sexIndex(female bool) int {
	if female {
		return 1
	}
	return 0
}

func sum(xs []float64) float64 {
	var total float64
	for _, x := range xs {
		total += x
	}
	return total
}
