package cluster

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"umbra/internal/domain"
	perr "umbra/internal/errors"
)

var fixedNow = time.Date(2026, 2, 3, 3, 0, 0, 0, time.UTC)

func testOptions() Options {
	o := DefaultOptions()
	o.Now = func() time.Time { return fixedNow }
	return o
}

func unit(i int) domain.SignatureVector {
	var v domain.SignatureVector
	v[i] = 1
	return v
}

// rotated returns a unit vector in the plane of dims i and i+1 whose cosine
// with unit(i) is cos
func rotated(i int, cos float64) domain.SignatureVector {
	var v domain.SignatureVector
	v[i] = cos
	v[i+1] = math.Sqrt(1 - cos*cos)
	return v
}

func randomVector(r *rand.Rand) domain.SignatureVector {
	var v domain.SignatureVector
	for i := range v {
		v[i] = r.Float64()
	}
	return v.Normalize()
}

func TestTwoTrackerDomainsCluster(t *testing.T) {
	inputs := []Input{
		{Domain: "tracker1.com", Vector: rotated(0, 1)},
		{Domain: "tracker2.net", Vector: rotated(0, 0.99)},
	}
	results, err := Run(context.Background(), inputs, testOptions())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.ElementsMatch(t, []string{"tracker1.com", "tracker2.net"}, results[0].Domains)
	assert.GreaterOrEqual(t, results[0].Confidence, 0.5)
	assert.InDelta(t, 1.0, results[0].Centroid.Norm(), 1e-9)
}

func TestDissimilarDomainsStayApart(t *testing.T) {
	inputs := []Input{
		{Domain: "a.com", Vector: unit(0)},
		{Domain: "b.com", Vector: unit(1)},
		{Domain: "c.com", Vector: unit(2)},
	}
	results, err := Run(context.Background(), inputs, testOptions())
	require.NoError(t, err)
	assert.Empty(t, results, "single-member clusters are never reported")
}

func TestVigilanceMonotonicity(t *testing.T) {
	// four mutually orthogonal pairs with increasing internal similarity
	sims := []float64{0.7, 0.8, 0.9, 0.97}
	var inputs []Input
	for g, s := range sims {
		inputs = append(inputs,
			Input{Domain: string(rune('a'+g)) + "1.com", Vector: unit(4 * g)},
			Input{Domain: string(rune('a'+g)) + "2.com", Vector: rotated(4*g, s)},
		)
	}

	prev := math.MaxInt
	for _, vig := range []float64{0.6, 0.75, 0.85, 0.95, 0.99} {
		opts := testOptions()
		opts.Vigilance = vig
		results, err := Run(context.Background(), inputs, opts)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(results), prev, "vigilance %.2f", vig)
		prev = len(results)
	}
	assert.Zero(t, prev)
}

func TestMembershipUniqueAndCentroidsUnit(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	var inputs []Input
	for i := 0; i < 60; i++ {
		inputs = append(inputs, Input{Domain: string(rune('A'+i%26)) + string(rune('a'+i/26)) + ".com", Vector: randomVector(r)})
	}
	// repeated domain must be ignored
	inputs = append(inputs, Input{Domain: inputs[0].Domain, Vector: inputs[5].Vector})

	e := newEngine(testOptions().withDefaults())
	require.NoError(t, e.run(context.Background(), preparePoints(inputs)))

	seen := make(map[string]int)
	for _, c := range e.clusters {
		assert.InDelta(t, 1.0, c.Centroid.Norm(), 1e-9)
		inCluster := make(map[string]bool)
		for _, d := range c.Domains {
			assert.False(t, inCluster[d], "duplicate %s in cluster %d", d, c.ID)
			inCluster[d] = true
			seen[d]++
		}
	}
	for d, n := range seen {
		assert.Equal(t, 1, n, "domain %s assigned to %d clusters", d, n)
	}
}

func TestResultsSortedByConfidence(t *testing.T) {
	var inputs []Input
	// a tight group of four and a pair
	for i := 0; i < 4; i++ {
		inputs = append(inputs, Input{Domain: "big" + string(rune('a'+i)) + ".com", Vector: rotated(0, 1-0.001*float64(i))})
	}
	inputs = append(inputs,
		Input{Domain: "p1.com", Vector: unit(10)},
		Input{Domain: "p2.com", Vector: rotated(10, 0.995)},
	)
	results, err := Run(context.Background(), inputs, testOptions())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Len(t, results[0].Domains, 4)
	assert.GreaterOrEqual(t, results[0].Confidence, results[1].Confidence)
}

func TestEqualConfidenceOrderedByFirstDomain(t *testing.T) {
	inputs := []Input{
		{Domain: "zeta1.com", Vector: unit(0)},
		{Domain: "zeta2.com", Vector: unit(0)},
		{Domain: "alpha1.com", Vector: unit(10)},
		{Domain: "alpha2.com", Vector: unit(10)},
	}
	results, err := Run(context.Background(), inputs, testOptions())
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, results[0].Confidence, results[1].Confidence)
	assert.Equal(t, "alpha1.com", results[0].Domains[0])
	assert.Equal(t, "zeta1.com", results[1].Domains[0])
}

func TestZeroMarginsAreKept(t *testing.T) {
	o := Options{MergeMargin: 0, MinOutputConfidence: 0}.withDefaults()
	assert.Zero(t, o.MergeMargin)
	assert.Zero(t, o.MinOutputConfidence)

	o = Options{MergeMargin: -1, MinOutputConfidence: -1}.withDefaults()
	assert.Equal(t, DefaultOptions().MergeMargin, o.MergeMargin)
	assert.Equal(t, DefaultOptions().MinOutputConfidence, o.MinOutputConfidence)
}

func TestZeroVectorsIgnored(t *testing.T) {
	points := preparePoints([]Input{
		{Domain: "zero.com"},
		{Domain: "", Vector: unit(0)},
		{Domain: "ok.com", Vector: unit(0).Scale(3)},
	})
	require.Len(t, points, 1)
	assert.InDelta(t, 1.0, points[0].vec.Norm(), 1e-12)
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := Run(ctx, []Input{{Domain: "a.com", Vector: unit(0)}}, testOptions())
	assert.Nil(t, results)
	require.Error(t, err)
	assert.True(t, perr.IsCode(err, perr.ErrorCodeCancelled))
}

func TestThermalCauseSurvives(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(perr.ErrThermalEmergency)
	_, err := Run(ctx, []Input{{Domain: "a.com", Vector: unit(0)}}, testOptions())
	assert.True(t, perr.IsCode(err, perr.ErrorCodeThermalEmergency))
}

func TestClusterCap(t *testing.T) {
	opts := testOptions()
	opts.MaxClusters = 2
	e := newEngine(opts.withDefaults())
	var inputs []Input
	for i := 0; i < 5; i++ {
		inputs = append(inputs, Input{Domain: string(rune('a'+i)) + ".com", Vector: unit(i)})
	}
	require.NoError(t, e.run(context.Background(), preparePoints(inputs)))
	assert.LessOrEqual(t, len(e.clusters), 2)
}

func TestPruneWeakClusters(t *testing.T) {
	e := newEngine(testOptions().withDefaults())
	e.create(point{domain: "lonely.com", vec: unit(0)})
	pair := e.create(point{domain: "a.com", vec: unit(5)})
	e.add(pair, point{domain: "b.com", vec: unit(5)}, fixedNow)
	pair.ResonanceEvents = 10
	e.score(pair, fixedNow)

	e.prune(10)
	require.Len(t, e.clusters, 1)
	assert.Equal(t, []string{"a.com", "b.com"}, e.clusters[0].Domains)
	_, stillAssigned := e.assign["lonely.com"]
	assert.False(t, stillAssigned)
}

func TestSingletonConfidenceCapped(t *testing.T) {
	e := newEngine(testOptions().withDefaults())
	c := e.create(point{domain: "a.com", vec: unit(0)})
	c.ResonanceEvents = 50
	e.score(c, fixedNow)
	assert.LessOrEqual(t, c.Confidence, 0.1)
}

func TestMergeWeightsByMembership(t *testing.T) {
	e := newEngine(testOptions().withDefaults())
	big := e.create(point{domain: "a.com", vec: unit(0)})
	e.add(big, point{domain: "b.com", vec: unit(0)}, fixedNow)
	e.add(big, point{domain: "c.com", vec: unit(0)}, fixedNow)
	small := e.create(point{domain: "d.com", vec: rotated(0, 0.99)})

	e.mergeAll()
	require.Len(t, e.clusters, 1)
	merged := e.clusters[0]
	assert.ElementsMatch(t, []string{"a.com", "b.com", "c.com", "d.com"}, merged.Domains)
	assert.InDelta(t, 1.0, merged.Centroid.Norm(), 1e-9)

	want := unit(0).Scale(3).Add(rotated(0, 0.99)).Normalize()
	for i := range want {
		assert.InDelta(t, want[i], merged.Centroid[i], 1e-9)
	}
	assert.Same(t, merged, e.assign["d.com"])
	assert.Empty(t, small.Domains)
}

func TestConfidenceDecaysWithAge(t *testing.T) {
	e := newEngine(testOptions().withDefaults())
	c := e.create(point{domain: "a.com", vec: unit(0)})
	e.add(c, point{domain: "b.com", vec: unit(0)}, fixedNow)
	e.score(c, fixedNow)
	fresh := c.Confidence
	e.score(c, fixedNow.Add(3*time.Hour))
	assert.Less(t, c.Confidence, fresh)
}
