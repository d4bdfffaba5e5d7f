package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/recond/internal/candidate"
	"github.com/fyrsmithlabs/recond/internal/matching"
	"github.com/fyrsmithlabs/recond/internal/record"
	"github.com/fyrsmithlabs/recond/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var th = Thresholds{High: 0.85, Mid: 0.40}

func eval(internalID, externalID string, score float64) matching.Evaluation {
	return matching.Evaluation{
		InternalID: internalID,
		Candidate:  candidate.Candidate{External: record.Comparable{ID: externalID}},
		Score:      score,
	}
}

func newPolicy(t *testing.T, claims ClaimStore) *Policy {
	t.Helper()
	p, err := NewPolicy(claims, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestThresholds_Classify(t *testing.T) {
	assert.Equal(t, StatusMatched, th.Classify(0.85))
	assert.Equal(t, StatusMatched, th.Classify(1))
	assert.Equal(t, StatusNearMatch, th.Classify(0.8499))
	assert.Equal(t, StatusNearMatch, th.Classify(0.40))
	assert.Equal(t, StatusUnmatched, th.Classify(0.3999))
	assert.Equal(t, StatusUnmatched, th.Classify(0))
}

func TestThresholds_Validate(t *testing.T) {
	require.NoError(t, th.Validate())
	assert.ErrorIs(t, Thresholds{High: 0.5, Mid: 0.5}.Validate(), ErrInvalidThresholds)
	assert.ErrorIs(t, Thresholds{High: 1, Mid: 0.5}.Validate(), ErrInvalidThresholds)
	assert.ErrorIs(t, Thresholds{High: 0.5, Mid: 0}.Validate(), ErrInvalidThresholds)
}

func TestNewPolicy_NilStore(t *testing.T) {
	p, err := NewPolicy(nil, nil)
	assert.Error(t, err)
	assert.Nil(t, p)
}

func TestDecide_NoCandidates(t *testing.T) {
	out, err := newPolicy(t, NewInMemoryClaims()).Decide(context.Background(), th, "acme", "log-1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusUnmatched, out.Status)
	assert.Nil(t, out.Chosen)
}

func TestDecide_MatchedClaims(t *testing.T) {
	claims := NewInMemoryClaims()
	out, err := newPolicy(t, claims).Decide(context.Background(), th, "acme", "log-1",
		[]matching.Evaluation{eval("V-1", "B-1", 0.95)})
	require.NoError(t, err)

	assert.Equal(t, StatusMatched, out.Status)
	require.NotNil(t, out.Claim)
	held, err := claims.Get(context.Background(), "acme", "B-1")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, "V-1", held.InternalID)
	assert.Equal(t, "log-1", held.LogID)
}

func TestDecide_NearMatchDoesNotClaim(t *testing.T) {
	claims := NewInMemoryClaims()
	out, err := newPolicy(t, claims).Decide(context.Background(), th, "acme", "log-1",
		[]matching.Evaluation{eval("V-1", "B-1", 0.4559)})
	require.NoError(t, err)

	assert.Equal(t, StatusNearMatch, out.Status)
	assert.Nil(t, out.Claim)
	held, _ := claims.Get(context.Background(), "acme", "B-1")
	assert.Nil(t, held)
}

func TestDecide_ConflictRetriesNextCandidate(t *testing.T) {
	claims := NewInMemoryClaims()
	ctx := context.Background()
	_, err := claims.TryClaim(ctx, Claim{TenantID: "acme", ExternalID: "B-1", InternalID: "V-0", LogID: "log-0", Score: 0.97})
	require.NoError(t, err)

	out, err := newPolicy(t, claims).Decide(ctx, th, "acme", "log-1", []matching.Evaluation{
		eval("V-1", "B-1", 0.97),
		eval("V-1", "B-2", 0.90),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusMatched, out.Status)
	assert.Equal(t, "B-2", out.Chosen.ExternalID())
	assert.Equal(t, []string{"B-1"}, out.Conflicts)
}

func TestDecide_ConflictExhaustionDowngrades(t *testing.T) {
	claims := NewInMemoryClaims()
	ctx := context.Background()
	_, err := claims.TryClaim(ctx, Claim{TenantID: "acme", ExternalID: "B-1", InternalID: "V-0", LogID: "log-0", Score: 0.99})
	require.NoError(t, err)

	p := newPolicy(t, claims)

	out, err := p.Decide(ctx, th, "acme", "log-1", []matching.Evaluation{eval("V-1", "B-1", 0.95)})
	require.NoError(t, err)
	assert.Equal(t, StatusNearMatch, out.Status)
	assert.Equal(t, "B-1", out.Chosen.ExternalID())

	out, err = p.Decide(ctx, th, "acme", "log-2", []matching.Evaluation{
		eval("V-2", "B-1", 0.95),
		eval("V-2", "B-3", 0.50),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNearMatch, out.Status)
	assert.Equal(t, "B-3", out.Chosen.ExternalID())
}

func TestDecide_DisplacesStrictlyLowerAutomatedClaim(t *testing.T) {
	claims := NewInMemoryClaims()
	ctx := context.Background()
	_, err := claims.TryClaim(ctx, Claim{TenantID: "acme", ExternalID: "B-1", InternalID: "V-0", LogID: "log-0", Score: 0.86})
	require.NoError(t, err)

	out, err := newPolicy(t, claims).Decide(ctx, th, "acme", "log-1", []matching.Evaluation{eval("V-1", "B-1", 0.95)})
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, out.Status)
	require.NotNil(t, out.Displaced)
	assert.Equal(t, "V-0", out.Displaced.InternalID)
}

func TestDecide_EqualScoreDoesNotDisplace(t *testing.T) {
	claims := NewInMemoryClaims()
	ctx := context.Background()
	_, err := claims.TryClaim(ctx, Claim{TenantID: "acme", ExternalID: "B-1", InternalID: "V-0", LogID: "log-0", Score: 0.95})
	require.NoError(t, err)

	out, err := newPolicy(t, claims).Decide(ctx, th, "acme", "log-1", []matching.Evaluation{eval("V-1", "B-1", 0.95)})
	require.NoError(t, err)
	assert.NotEqual(t, StatusMatched, out.Status)
}

func TestDecide_HumanVerifiedNeverDisplaced(t *testing.T) {
	claims := NewInMemoryClaims()
	ctx := context.Background()
	_, err := claims.ForceClaim(ctx, Claim{TenantID: "acme", ExternalID: "B-1", InternalID: "V-0", LogID: "log-0", Score: 0.1})
	require.NoError(t, err)

	out, err := newPolicy(t, claims).Decide(ctx, th, "acme", "log-1", []matching.Evaluation{eval("V-1", "B-1", 1.0)})
	require.NoError(t, err)
	assert.Equal(t, StatusNearMatch, out.Status)

	held, _ := claims.Get(ctx, "acme", "B-1")
	assert.Equal(t, "V-0", held.InternalID)
	assert.True(t, held.HumanVerified)
}

func TestInMemoryClaims_TryClaimErrors(t *testing.T) {
	claims := NewInMemoryClaims()
	ctx := context.Background()
	_, err := claims.ForceClaim(ctx, Claim{TenantID: "acme", ExternalID: "B-1", LogID: "log-0"})
	require.NoError(t, err)

	_, err = claims.TryClaim(ctx, Claim{TenantID: "acme", ExternalID: "B-1", LogID: "log-1", Score: 1})
	assert.True(t, errors.Is(err, ErrClaimConflict))
	assert.True(t, errors.Is(err, ErrHumanVerified))
}

func TestInMemoryClaims_TenantsIsolated(t *testing.T) {
	claims := NewInMemoryClaims()
	ctx := context.Background()
	_, err := claims.TryClaim(ctx, Claim{TenantID: "acme", ExternalID: "B-1", LogID: "a", Score: 0.9})
	require.NoError(t, err)
	_, err = claims.TryClaim(ctx, Claim{TenantID: "globex", ExternalID: "B-1", LogID: "b", Score: 0.9})
	require.NoError(t, err)

	list, err := claims.List(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestInMemoryClaims_ReleaseOnlyByHolder(t *testing.T) {
	claims := NewInMemoryClaims()
	ctx := context.Background()
	_, err := claims.TryClaim(ctx, Claim{TenantID: "acme", ExternalID: "B-1", InternalID: "V-1", LogID: "log-1", Score: 0.9})
	require.NoError(t, err)

	require.NoError(t, claims.Release(ctx, "acme", "B-1", "someone-else"))
	held, _ := claims.Get(ctx, "acme", "B-1")
	assert.NotNil(t, held)

	released, err := claims.ReleaseByInternal(ctx, "acme", "V-1")
	require.NoError(t, err)
	assert.Len(t, released, 1)
	held, _ = claims.Get(ctx, "acme", "B-1")
	assert.Nil(t, held)
}

func TestInMemoryClaims_RestoreOnlyOverHolder(t *testing.T) {
	claims := NewInMemoryClaims()
	ctx := context.Background()
	prior := Claim{TenantID: "acme", ExternalID: "B-1", InternalID: "V-1", LogID: "log-1", Score: 0.9, HumanVerified: true}

	require.NoError(t, claims.Restore(ctx, prior, ""))
	held, _ := claims.Get(ctx, "acme", "B-1")
	require.NotNil(t, held)
	assert.Equal(t, prior, *held)

	_, err := claims.ForceClaim(ctx, Claim{TenantID: "acme", ExternalID: "B-1", InternalID: "V-2", LogID: "log-2", Score: 0.95})
	require.NoError(t, err)
	assert.ErrorIs(t, claims.Restore(ctx, prior, ""), ErrClaimConflict)
	assert.ErrorIs(t, claims.Restore(ctx, prior, "log-3"), ErrClaimConflict)
	held, _ = claims.Get(ctx, "acme", "B-1")
	assert.Equal(t, "log-2", held.LogID)

	require.NoError(t, claims.Restore(ctx, prior, "log-2"))
	held, _ = claims.Get(ctx, "acme", "B-1")
	assert.Equal(t, "log-1", held.LogID)
	assert.True(t, held.HumanVerified)
}

func TestInMemoryClaims_ConcurrentClaimsAtMostOneWinner(t *testing.T) {
	claims := NewInMemoryClaims()
	ctx := context.Background()
	tid := tenant.ID("acme")

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := claims.TryClaim(ctx, Claim{TenantID: tid, ExternalID: "B-1", LogID: fmt.Sprintf("log-%d", i), Score: 0.9})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}
