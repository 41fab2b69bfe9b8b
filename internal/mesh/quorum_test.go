package mesh

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuorumPolicy(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
		want    string
	}{
		{in: "all", want: "all"},
		{in: "", want: "all"},
		{in: "fraction:0.5", want: "fraction:0.5"},
		{in: "fraction:1", want: "fraction:1"},
		{in: "fraction:0", wantErr: true},
		{in: "fraction:1.5", wantErr: true},
		{in: "fraction:abc", wantErr: true},
		{in: "bogus", wantErr: true},
	}
	for _, tc := range tests {
		q, err := ParseQuorumPolicy(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, q.String())
	}
}

func TestQuorumSatisfied(t *testing.T) {
	all := QuorumPolicy{All: true}
	assert.False(t, all.Satisfied(2, 3))
	assert.True(t, all.Satisfied(3, 3))

	half := QuorumPolicy{Fraction: 0.5}
	assert.False(t, half.Satisfied(1, 4))
	assert.True(t, half.Satisfied(2, 4))
	assert.True(t, half.Satisfied(3, 4))

	// Zero expected never satisfies (manifests forbid it anyway).
	assert.False(t, all.Satisfied(0, 0))

	// The zero value requires everything.
	var unset QuorumPolicy
	assert.False(t, unset.Satisfied(2, 3))
	assert.True(t, unset.Satisfied(3, 3))
	assert.Equal(t, "all", unset.String())
}

func TestQuorumJSONRoundTrip(t *testing.T) {
	q := QuorumPolicy{Fraction: 0.75}
	data, err := json.Marshal(q)
	require.NoError(t, err)
	assert.Equal(t, `"fraction:0.75"`, string(data))

	var back QuorumPolicy
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, q, back)

	var bad QuorumPolicy
	assert.Error(t, json.Unmarshal([]byte(`"fraction:2"`), &bad))
}
