package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSpec = `
solver = "CCSD"
nocc = 4
e_nuc = 12.5
e_core = -3.25
e_hf = -76.02
tolerance = 1e-7
potential = [0.0, 0.0, 0.0, 0.0]
veff_diagonal = [0.1, -0.2, 0.05]

[extra]
basis = "sto-3g"

[[fragments]]
name = "f0"
params = [0, 1]
targets = [0.05, -0.02]
occupancy = 2.1
chem_response = 0.4

[[fragments]]
name = "f1"
params = [2]
occupancy = 1.9
chem_response = 0.6
ecorr = -0.08
`

func writeSpecFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func validSpec() *RunSpec {
	return &RunSpec{
		Solver:    "MP2",
		Nocc:      2,
		Potential: []float64{0.0, 0.0, 0.0},
		Fragments: []FragmentSpec{
			{Name: "f0", Params: []int{0}, Occupancy: 1.1, ChemResponse: 0.5},
			{Name: "f1", Params: []int{1}, Occupancy: 0.9, ChemResponse: 0.5},
		},
	}
}

func TestLoadSpec(t *testing.T) {
	spec, err := LoadSpec(writeSpecFile(t, sampleSpec))
	require.NoError(t, err)

	assert.Equal(t, "CCSD", spec.Solver)
	assert.Equal(t, 4, spec.Nocc)
	assert.Equal(t, 12.5, spec.ENuc)
	assert.Equal(t, -3.25, spec.ECore)
	assert.Equal(t, -76.02, spec.EbeHF)
	assert.Equal(t, 1e-7, spec.Tolerance)
	assert.Equal(t, []float64{0.1, -0.2, 0.05}, spec.VeffDiagonal)
	assert.Equal(t, map[string]string{"basis": "sto-3g"}, spec.Extra)

	require.Len(t, spec.Fragments, 2)
	assert.Equal(t, []int{0, 1}, spec.Fragments[0].Params)
	assert.Equal(t, []float64{0.05, -0.02}, spec.Fragments[0].Targets)
	assert.Equal(t, -0.08, spec.Fragments[1].Ecorr)
	assert.Equal(t, 3, spec.NLocal())
}

func TestLoadSpecDefaults(t *testing.T) {
	spec, err := LoadSpec(writeSpecFile(t, `
nocc = 1
potential = [0.0]
only_chemical_potential = true

[[fragments]]
name = "a"
occupancy = 1.0
chem_response = 1.0
`))
	require.NoError(t, err)

	assert.Equal(t, "MP2", spec.Solver)
	assert.Equal(t, "QN", spec.Method)
	assert.Equal(t, 1e-6, spec.Tolerance)
	assert.Equal(t, 500, spec.MaxSteps)
	assert.Equal(t, 1, spec.Workers)
	assert.Equal(t, 4, spec.Threads)
	assert.Equal(t, 0.001, spec.HCICutoff)
}

func TestLoadSpecMissingFile(t *testing.T) {
	_, err := LoadSpec(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read run spec")
}

func TestLoadSpecBadTOML(t *testing.T) {
	_, err := LoadSpec(writeSpecFile(t, "solver = [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse run spec")
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RunSpec)
		wantErr string
	}{
		{
			name:    "negative tolerance",
			mutate:  func(s *RunSpec) { s.Tolerance = -1 },
			wantErr: "tolerance must be positive",
		},
		{
			name:    "negative max steps",
			mutate:  func(s *RunSpec) { s.MaxSteps = -5 },
			wantErr: "max_steps must be positive",
		},
		{
			name:    "no fragments",
			mutate:  func(s *RunSpec) { s.Fragments = nil },
			wantErr: "at least one fragment",
		},
		{
			name:    "missing nocc",
			mutate:  func(s *RunSpec) { s.Nocc = 0 },
			wantErr: "nocc must be positive",
		},
		{
			name:    "unnamed fragment",
			mutate:  func(s *RunSpec) { s.Fragments[1].Name = "" },
			wantErr: "has no name",
		},
		{
			name:    "duplicate fragment names",
			mutate:  func(s *RunSpec) { s.Fragments[1].Name = "f0" },
			wantErr: "duplicate fragment name",
		},
		{
			name:    "targets do not match params",
			mutate:  func(s *RunSpec) { s.Fragments[0].Targets = []float64{1, 2, 3} },
			wantErr: "targets",
		},
		{
			name:    "potential too short",
			mutate:  func(s *RunSpec) { s.Potential = []float64{0.0} },
			wantErr: "potential has length 1, want 3",
		},
		{
			name:    "negative param index",
			mutate:  func(s *RunSpec) { s.Fragments[0].Params = []int{-1, 1} },
			wantErr: "outside",
		},
		{
			name: "chem-only with fragment params",
			mutate: func(s *RunSpec) {
				s.OnlyChemPot = true
				s.Potential = []float64{0.0}
			},
			wantErr: "must not declare fragment params",
		},
		{
			name: "chem-only potential length",
			mutate: func(s *RunSpec) {
				s.OnlyChemPot = true
				s.Fragments[0].Params = nil
				s.Fragments[1].Params = nil
			},
			wantErr: "potential has length 3, want 1",
		},
		{
			name:    "veff diagonal length",
			mutate:  func(s *RunSpec) { s.VeffDiagonal = []float64{1.0} },
			wantErr: "veff_diagonal has length 1, want 2",
		},
		{
			name:    "seed jacobian rows",
			mutate:  func(s *RunSpec) { s.SeedJacobian = [][]float64{{1, 0, 0}} },
			wantErr: "seed_jacobian has 1 rows, want 3",
		},
		{
			name: "seed jacobian ragged row",
			mutate: func(s *RunSpec) {
				s.SeedJacobian = [][]float64{{1, 0, 0}, {0, 1}, {0, 0, 1}}
			},
			wantErr: "seed_jacobian row 1 has length 2, want 3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(spec)
			err := spec.Normalize()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateSharedParameterSlots(t *testing.T) {
	// Two fragments matching the same component sum into one residual
	// slot; the potential stays square with the distinct components.
	spec := validSpec()
	spec.Fragments[0].Params = []int{0, 1}
	spec.Fragments[1].Params = []int{1, 2}
	spec.Potential = []float64{0.0, 0.0, 0.0, 0.0}

	require.NoError(t, spec.Normalize())
	assert.Equal(t, 3, spec.NLocal())
}

func TestNLocal(t *testing.T) {
	spec := validSpec()
	assert.Equal(t, 2, spec.NLocal())

	spec.Fragments = nil
	assert.Equal(t, 0, spec.NLocal())
}
