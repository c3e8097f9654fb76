package solver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ExecSolver bridges to an external fragment program. Each Solve writes an
// input deck into the fragment's scratch directory, runs the program there,
// and reads the result deck it leaves behind.
type ExecSolver struct {
	// Command is the program to run; Args are prepended to the input
	// deck path.
	Command string
	Args    []string
}

const (
	inDeck  = "input.json"
	outDeck = "output.json"
)

// execInput is the JSON deck handed to the external program.
type execInput struct {
	Solver        string            `json:"solver"`
	Fragment      string            `json:"fragment"`
	Iter          int               `json:"iter"`
	Local         []float64         `json:"local_potential,omitempty"`
	ChemPot       float64           `json:"chemical_potential"`
	RelaxDensity  bool              `json:"relax_density"`
	HCICutoff     float64           `json:"hci_cutoff,omitempty"`
	CICoeffCutoff float64           `json:"ci_coeff_cutoff,omitempty"`
	SelectCutoff  float64           `json:"select_cutoff,omitempty"`
	HCIPT         bool              `json:"hci_pt,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// execOutput is the JSON deck the external program must produce.
type execOutput struct {
	Energy    float64   `json:"energy"`
	Residual  []float64 `json:"residual"`
	Occupancy float64   `json:"occupancy"`
}

// Solve runs the external program for one fragment. The program inherits the
// environment with OMP_NUM_THREADS set to the request's thread allowance and
// runs with the scratch directory as its working directory.
func (s *ExecSolver) Solve(req Request) (Result, error) {
	if req.Scratch == "" {
		return Result{}, fmt.Errorf("%w: exec solver %q", ErrScratchRequired, s.Command)
	}

	if err := s.writeInput(req); err != nil {
		return Result{}, err
	}

	args := append(append([]string{}, s.Args...), inDeck)
	cmd := exec.Command(s.Command, args...)
	cmd.Dir = req.Scratch
	cmd.Env = append(os.Environ(), "OMP_NUM_THREADS="+strconv.Itoa(req.Threads))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return Result{}, fmt.Errorf("exec solver %q: %w: %s", s.Command, err, msg)
		}
		return Result{}, fmt.Errorf("exec solver %q: %w", s.Command, err)
	}

	return s.readOutput(req)
}

func (s *ExecSolver) writeInput(req Request) error {
	cfg := req.Cfg
	if cfg == nil {
		cfg = &Config{}
	}
	in := execInput{
		Solver:        string(cfg.Kind),
		Fragment:      req.Fragment.Name,
		Iter:          req.Iter,
		Local:         req.Local,
		ChemPot:       req.ChemPot,
		RelaxDensity:  cfg.RelaxDensity,
		HCICutoff:     cfg.HCICutoff,
		CICoeffCutoff: cfg.CICoeffCutoff,
		SelectCutoff:  cfg.SelectCutoff,
		HCIPT:         cfg.HCIPT,
		Extra:         cfg.Extra,
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("exec solver: encode input deck: %w", err)
	}
	if err := os.WriteFile(filepath.Join(req.Scratch, inDeck), data, 0o644); err != nil {
		return fmt.Errorf("exec solver: write input deck: %w", err)
	}
	return nil
}

func (s *ExecSolver) readOutput(req Request) (Result, error) {
	data, err := os.ReadFile(filepath.Join(req.Scratch, outDeck))
	if err != nil {
		return Result{}, fmt.Errorf("exec solver %q: read output deck: %w", s.Command, err)
	}
	var out execOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, fmt.Errorf("exec solver %q: decode output deck: %w", s.Command, err)
	}
	return Result{Energy: out.Energy, Residual: out.Residual, Occupancy: out.Occupancy}, nil
}
