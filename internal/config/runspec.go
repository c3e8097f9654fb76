package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// RunSpec describes one bootstrap-embedding optimization run. It is loaded
// from a TOML file (or decoded from a JSON request body) and normalized
// once; after that the values are treated as immutable for the lifetime of
// the run.
type RunSpec struct {
	Solver      string  `toml:"solver" json:"solver"`
	Method      string  `toml:"method" json:"method"`
	OnlyChemPot bool    `toml:"only_chemical_potential" json:"only_chemical_potential"`
	Tolerance   float64 `toml:"tolerance" json:"tolerance"`
	MaxSteps    int     `toml:"max_steps" json:"max_steps"`
	TrustRegion bool    `toml:"trust_region" json:"trust_region"`
	TrustRadius float64 `toml:"trust_radius" json:"trust_radius"`
	Workers     int     `toml:"workers" json:"workers"`
	Threads     int     `toml:"threads" json:"threads"`

	// Potential holds the initial fragment potentials; the last entry is the
	// global chemical potential.
	Potential []float64 `toml:"potential" json:"potential"`
	Nocc      int       `toml:"nocc" json:"nocc"`
	ENuc      float64   `toml:"e_nuc" json:"e_nuc"`
	ECore     float64   `toml:"e_core" json:"e_core"`
	EbeHF     float64   `toml:"e_hf" json:"e_hf"`

	// VeffDiagonal optionally carries the diagonal of the reference
	// effective potential, one entry per local potential component.
	VeffDiagonal []float64 `toml:"veff_diagonal" json:"veff_diagonal,omitempty"`

	// SeedJacobian optionally seeds the optimizer with a precomputed
	// Jacobian, row-major over the full potential.
	SeedJacobian [][]float64 `toml:"seed_jacobian" json:"seed_jacobian,omitempty"`

	RelaxDensity  bool    `toml:"relax_density" json:"relax_density"`
	HCICutoff     float64 `toml:"hci_cutoff" json:"hci_cutoff"`
	CICoeffCutoff float64 `toml:"ci_coeff_cutoff" json:"ci_coeff_cutoff"`
	SelectCutoff  float64 `toml:"select_cutoff" json:"select_cutoff"`
	HCIPT         bool    `toml:"hci_pt" json:"hci_pt"`

	// Command names an external fragment-solver executable invoked with
	// Args plus the input deck path. When empty the built-in linear
	// response model is used instead.
	Command string            `toml:"command" json:"command"`
	Args    []string          `toml:"args" json:"args,omitempty"`
	Extra   map[string]string `toml:"extra" json:"extra,omitempty"`

	Fragments []FragmentSpec `toml:"fragments" json:"fragments"`
}

// FragmentSpec describes a single embedded fragment. Targets, Occupancy,
// ChemResponse, Gain and Ecorr parameterize the built-in model solver;
// external solvers receive only the fragment name and its potential slice.
type FragmentSpec struct {
	Name         string    `toml:"name" json:"name"`
	Params       []int     `toml:"params" json:"params,omitempty"`
	Targets      []float64 `toml:"targets" json:"targets,omitempty"`
	Occupancy    float64   `toml:"occupancy" json:"occupancy"`
	ChemResponse float64   `toml:"chem_response" json:"chem_response"`
	Gain         float64   `toml:"gain" json:"gain"`
	Ecorr        float64   `toml:"ecorr" json:"ecorr"`
}

// LoadSpec reads and normalizes a run spec from a TOML file.
func LoadSpec(path string) (*RunSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run spec: %w", err)
	}

	spec := &RunSpec{}
	if err := toml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("parse run spec: %w", err)
	}
	if err := spec.Normalize(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Normalize fills defaulted fields and validates the spec.
func (s *RunSpec) Normalize() error {
	s.applyDefaults()
	return s.Validate()
}

func (s *RunSpec) applyDefaults() {
	if s.Solver == "" {
		s.Solver = "MP2"
	}
	if s.Method == "" {
		s.Method = "QN"
	}
	if s.Tolerance == 0 {
		s.Tolerance = 1e-6
	}
	if s.MaxSteps == 0 {
		s.MaxSteps = 500
	}
	if s.Workers == 0 {
		s.Workers = 1
	}
	if s.Threads == 0 {
		s.Threads = 4
	}
	if s.HCICutoff == 0 {
		s.HCICutoff = 0.001
	}
}

// NLocal returns the number of local potential components, one past the
// highest parameter index any fragment references. Fragments may share
// components; their residual contributions are summed.
func (s *RunSpec) NLocal() int {
	n := 0
	for _, f := range s.Fragments {
		for _, idx := range f.Params {
			if idx+1 > n {
				n = idx + 1
			}
		}
	}
	return n
}

// Validate performs the structural checks that do not depend on the solver
// backend: vector lengths, parameter index bounds, and positivity of the
// convergence knobs.
func (s *RunSpec) Validate() error {
	if s.Tolerance <= 0 {
		return fmt.Errorf("run spec: tolerance must be positive, got %v", s.Tolerance)
	}
	if s.MaxSteps <= 0 {
		return fmt.Errorf("run spec: max_steps must be positive, got %d", s.MaxSteps)
	}
	if s.Workers < 1 {
		return fmt.Errorf("run spec: workers must be at least 1, got %d", s.Workers)
	}
	if s.Threads < 1 {
		return fmt.Errorf("run spec: threads must be at least 1, got %d", s.Threads)
	}
	if len(s.Fragments) == 0 {
		return fmt.Errorf("run spec: at least one fragment is required")
	}
	if s.Nocc <= 0 {
		return fmt.Errorf("run spec: nocc must be positive, got %d", s.Nocc)
	}

	seen := make(map[string]bool, len(s.Fragments))
	for i, f := range s.Fragments {
		if f.Name == "" {
			return fmt.Errorf("run spec: fragment %d has no name", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("run spec: duplicate fragment name %q", f.Name)
		}
		seen[f.Name] = true
		if len(f.Targets) != 0 && len(f.Targets) != len(f.Params) {
			return fmt.Errorf("run spec: fragment %q has %d targets for %d params",
				f.Name, len(f.Targets), len(f.Params))
		}
	}

	nLocal := s.NLocal()
	want := nLocal + 1
	if s.OnlyChemPot {
		if nLocal != 0 {
			return fmt.Errorf("run spec: chemical-potential-only runs must not declare fragment params")
		}
		want = 1
	}
	if len(s.Potential) != want {
		return fmt.Errorf("run spec: potential has length %d, want %d", len(s.Potential), want)
	}

	if !s.OnlyChemPot {
		for _, f := range s.Fragments {
			for _, idx := range f.Params {
				if idx < 0 || idx >= nLocal {
					return fmt.Errorf("run spec: fragment %q references parameter %d outside [0,%d)",
						f.Name, idx, nLocal)
				}
			}
		}
	}

	if len(s.VeffDiagonal) != 0 && len(s.VeffDiagonal) != nLocal {
		return fmt.Errorf("run spec: veff_diagonal has length %d, want %d", len(s.VeffDiagonal), nLocal)
	}
	if len(s.SeedJacobian) != 0 {
		if len(s.SeedJacobian) != want {
			return fmt.Errorf("run spec: seed_jacobian has %d rows, want %d", len(s.SeedJacobian), want)
		}
		for i, row := range s.SeedJacobian {
			if len(row) != want {
				return fmt.Errorf("run spec: seed_jacobian row %d has length %d, want %d", i, len(row), want)
			}
		}
	}

	return nil
}
