package model

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptableRangesDecodeLoose(t *testing.T) {
	var ranges AcceptableRanges
	doc := `{"min":"55","max":"high","parameters":{"tank_level":{"max":88},"flow_rate":"bogus"}}`
	require.NoError(t, json.Unmarshal([]byte(doc), &ranges))

	require.NotNil(t, ranges.Min)
	assert.Equal(t, 55.0, *ranges.Min)
	assert.Nil(t, ranges.Max, "non-numeric max must decode as absent")

	tank := ranges.For("tank_level")
	require.NotNil(t, tank.Max)
	assert.Equal(t, 88.0, *tank.Max)
	assert.Equal(t, 55.0, *tank.Min, "device-wide min is inherited")

	flow := ranges.For("flow_rate")
	assert.Nil(t, flow.Max)
}

func TestAcceptableRangesNonObject(t *testing.T) {
	var ranges AcceptableRanges
	require.NoError(t, json.Unmarshal([]byte(`"n/a"`), &ranges))
	assert.Nil(t, ranges.Min)
	assert.Nil(t, ranges.Max)
	assert.Equal(t, 90.0, ranges.For("temperature").MaxOr(90))
}

func TestAcceptableRangesMarshalFlat(t *testing.T) {
	ranges := AcceptableRanges{Range: Range{Max: Float(85)}}
	out, err := json.Marshal(ranges)
	require.NoError(t, err)
	assert.JSONEq(t, `{"max":85}`, string(out))
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityWarning.Rank())
	assert.Greater(t, SeverityWarning.Rank(), SeverityInfo.Rank())
	assert.Equal(t, SeverityWarning, ParseSeverity(" Warning "))
	assert.Equal(t, SeverityInfo, ParseSeverity("whatever"))
}

func TestAcceptableRangesRejectNonFiniteLimits(t *testing.T) {
	var ranges AcceptableRanges
	doc := `{"min":"-Inf","max":"NaN","parameters":{"pressure":{"max":"Infinity","min":"60"}}}`
	require.NoError(t, json.Unmarshal([]byte(doc), &ranges))

	assert.Nil(t, ranges.Min)
	assert.Nil(t, ranges.Max)
	pressure := ranges.For("pressure")
	assert.Nil(t, pressure.Max)
	require.NotNil(t, pressure.Min)
	assert.Equal(t, 60.0, *pressure.Min)
}

func TestRangeForIgnoresNonFiniteValues(t *testing.T) {
	ranges := AcceptableRanges{
		Range:      Range{Min: Float(math.Inf(-1)), Max: Float(90)},
		Parameters: map[string]Range{"pressure": {Max: Float(math.NaN())}},
	}

	eff := ranges.For("pressure")
	assert.Nil(t, eff.Min)
	require.NotNil(t, eff.Max)
	assert.Equal(t, 90.0, *eff.Max, "a NaN override keeps the device-wide max")
	assert.Equal(t, 85.0, Range{Max: Float(math.NaN())}.MaxOr(85))
	assert.Equal(t, 55.0, Range{Min: Float(math.Inf(1))}.MinOr(55))
}
