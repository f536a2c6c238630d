package ledger

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }
func strPtr(v string) *string { return &v }
func floatPtr(v float64) *float64 { return &v }

func rawItem(idx int, code, name string, qty, rate, amount float64) RawItem {
	return RawItem{
		Idx:      intPtr(idx),
		ItemCode: strPtr(code),
		ItemName: strPtr(name),
		Qty:      floatPtr(qty),
		Rate:     floatPtr(rate),
		Amount:   floatPtr(amount),
	}
}

func goldenItems() []RawItem {
	return []RawItem{
		rawItem(2, " B-200 ", "Bolt", 3, 12.5, 37.5),
		rawItem(1, "A-100", "Anchor", 10, 3000, 30000),
	}
}

func TestCanonicalBytesGolden(t *testing.T) {
	data, err := CanonicalBytes(Canonicalize(goldenItems()))
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "canonical_items", data)
}

func TestFingerprintKnownValue(t *testing.T) {
	hash, err := Fingerprint(Canonicalize(goldenItems()))
	require.NoError(t, err)
	assert.Equal(t, "805c25a05825b2f503f6ec63776b4f2f9de8cd28e37874532ed49c3b21bf2a40", hash)

	empty, err := Fingerprint(nil)
	require.NoError(t, err)
	assert.Equal(t, "fefb4d278c9e0e45fa67b8404adb2ac8ff7c6f7d8a820aa2d68eb72893487feb", empty)
}

func TestFingerprintIgnoresInputOrder(t *testing.T) {
	items := []RawItem{
		rawItem(3, "C", "Cable", 1, 5, 5),
		rawItem(1, "A", "Anchor", 2, 10, 20),
		rawItem(1, "B", "Bracket", 4, 7.25, 29),
		rawItem(2, "A", "Anchor", 1, 10, 10),
	}
	want, err := Fingerprint(Canonicalize(items))
	require.NoError(t, err)

	permutations := [][]int{{3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}
	for _, perm := range permutations {
		shuffled := make([]RawItem, 0, len(items))
		for _, i := range perm {
			shuffled = append(shuffled, items[i])
		}
		got, err := Fingerprint(Canonicalize(shuffled))
		require.NoError(t, err)
		assert.Equal(t, want, got, "permutation %v", perm)
	}
}

func TestFingerprintChangesWithAnyNumericField(t *testing.T) {
	base := []RawItem{rawItem(1, "A", "Anchor", 2, 10, 20)}
	want, err := Fingerprint(Canonicalize(base))
	require.NoError(t, err)

	variants := map[string]RawItem{
		"idx":    rawItem(2, "A", "Anchor", 2, 10, 20),
		"qty":    rawItem(1, "A", "Anchor", 3, 10, 20),
		"rate":   rawItem(1, "A", "Anchor", 2, 10.01, 20),
		"amount": rawItem(1, "A", "Anchor", 2, 10, 20.5),
	}
	for name, variant := range variants {
		got, err := Fingerprint(Canonicalize([]RawItem{variant}))
		require.NoError(t, err)
		assert.NotEqual(t, want, got, "changing %s must change the fingerprint", name)
	}
}

func TestCanonicalizeCoercesMissingFields(t *testing.T) {
	items := Canonicalize([]RawItem{{ItemCode: strPtr("X")}, {}})
	require.Len(t, items, 2)
	assert.Equal(t, LineItem{}, items[0])
	assert.Equal(t, LineItem{ItemCode: "X"}, items[1])
}

func TestCanonicalizeNormalizesUnicode(t *testing.T) {
	decomposed := "Cafe\u0301"
	composed := "Caf\u00e9"
	a, err := Fingerprint(Canonicalize([]RawItem{rawItem(1, "K", decomposed, 1, 1, 1)}))
	require.NoError(t, err)
	b, err := Fingerprint(Canonicalize([]RawItem{rawItem(1, "K", composed, 1, 1, 1)}))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDedupeItemsKeepsFirstOccurrence(t *testing.T) {
	items := DedupeItems([]RawItem{
		rawItem(1, "A", "first", 1, 100, 100),
		rawItem(1, " A ", "second", 50, 20000, 1000000),
		rawItem(2, "A", "other idx", 1, 1, 1),
		rawItem(1, "B", "other code", 1, 1, 1),
	})
	require.Len(t, items, 3)
	assert.Equal(t, "first", *items[0].ItemName)
	assert.Equal(t, "other idx", *items[1].ItemName)
	assert.Equal(t, "other code", *items[2].ItemName)
}

func TestDedupeItemsComparesCanonicalCodes(t *testing.T) {
	items := DedupeItems([]RawItem{
		rawItem(1, "CAF\u00c9", "precomposed", 1, 10, 10),
		rawItem(1, "CAFE\u0301", "decomposed", 2, 10, 20),
	})
	require.Len(t, items, 1)
	assert.Equal(t, "precomposed", *items[0].ItemName)

	canonical := Canonicalize(items)
	require.Len(t, canonical, 1)
	assert.Equal(t, "CAF\u00c9", canonical[0].ItemCode)
}

func TestLevelForScore(t *testing.T) {
	cases := []struct {
		score float64
		want  RiskLevel
	}{
		{0, RiskLow},
		{0.39, RiskLow},
		{0.4, RiskMedium},
		{0.69, RiskMedium},
		{0.7, RiskHigh},
		{0.89, RiskHigh},
		{0.9, RiskCritical},
		{1, RiskCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LevelForScore(tc.score), "score %v", tc.score)
	}
}
