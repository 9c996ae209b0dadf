package calib

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silab-bonn/irradgo/fault"
)

const goodDoc = `
lambda:
  default: v2
  all:
    v1:
      nominal: 2.02
      sigma: 0.06
      device: SEM_C
      particle: proton 14 MeV
      note: first beamtime
    v2:
      nominal: 0.906
      sigma: 0.015
      device: SEM_C
      particle: proton 14 MeV
kappa:
  default: niel
  all:
    niel:
      nominal: 3.71
      sigma: 0.11
      particle: proton 12.28 MeV
sem:
  default: sum
  all:
    sum:
      nominal: 1.0
      sigma: 0.0
`

func TestLoadAndSelectDefault(t *testing.T) {
	reg, err := Load(strings.NewReader(goodDoc))
	require.NoError(t, err)

	rec, err := reg.Select("lambda", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", rec.ID)
	assert.InDelta(t, 0.906, rec.Nominal, 1e-12)
	assert.InDelta(t, 0.015, rec.Sigma, 1e-12)
	assert.Equal(t, "SEM_C", rec.Device)
}

func TestSelectExplicitAndUnknown(t *testing.T) {
	reg, err := Load(strings.NewReader(goodDoc))
	require.NoError(t, err)

	rec, err := reg.Select("lambda", "v1")
	require.NoError(t, err)
	assert.InDelta(t, 2.02, rec.Nominal, 1e-12)

	_, err = reg.Select("lambda", "v99")
	var le *fault.LookupError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "lambda/v99", le.Key)

	_, err = reg.Select("mu", "")
	require.ErrorAs(t, err, &le)
}

func TestExtraFieldsPassThrough(t *testing.T) {
	reg, err := Load(strings.NewReader(goodDoc))
	require.NoError(t, err)

	rec, err := reg.Select("lambda", "v1")
	require.NoError(t, err)
	assert.Equal(t, "first beamtime", rec.Extra["note"])
	// promoted fields must not leak into Extra
	assert.NotContains(t, rec.Extra, "device")
	assert.NotContains(t, rec.Extra, "nominal")
}

func TestNestedExtraEncodesAsJSON(t *testing.T) {
	doc := `
lambda:
  default: v1
  all:
    v1:
      nominal: 1.0
      sigma: 0.1
      beam:
        species: proton
        energies: [12.28, 14]
        optics:
          focus: fine
`
	reg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	rec, err := reg.Select("lambda", "")
	require.NoError(t, err)

	nested, ok := rec.Extra["beam"].(map[string]interface{})
	require.True(t, ok, "nested mapping decoded as %T", rec.Extra["beam"])
	assert.Equal(t, "proton", nested["species"])
	_, ok = nested["optics"].(map[string]interface{})
	assert.True(t, ok)

	// the record is served over HTTP, so it has to marshal
	_, err = json.Marshal(rec)
	require.NoError(t, err)
}

func TestDanglingDefaultRejected(t *testing.T) {
	doc := `
lambda:
  default: nope
  all:
    v1:
      nominal: 1.0
      sigma: 0.1
`
	_, err := Load(strings.NewReader(doc))
	var ce *fault.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Detail, "default id")
}

func TestMissingSigmaRejected(t *testing.T) {
	doc := `
lambda:
  default: v1
  all:
    v1:
      nominal: 1.0
`
	_, err := Load(strings.NewReader(doc))
	var ce *fault.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Detail, "sigma")
}

func TestNonNumericNominalRejected(t *testing.T) {
	doc := `
lambda:
  default: v1
  all:
    v1:
      nominal: lots
      sigma: 0.1
`
	_, err := Load(strings.NewReader(doc))
	var ce *fault.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Detail, "nominal")
}
