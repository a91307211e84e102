package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrMissing is returned by Load when a slot has not been written.
var ErrMissing = errors.New("artifact: missing")

// Slot names one kind of artifact.
type Slot string

const (
	NormalizedCounts  Slot = "normalized_counts"
	TPM               Slot = "tpm"
	TPMStats          Slot = "tpm_stats"
	ReplicateParams   Slot = "nmf_replicate_parameters"
	RunParams         Slot = "nmf_run_parameters"
	GenesList         Slot = "nmf_genes_list"
	IterSpectra       Slot = "iter_spectra"
	MergedSpectra     Slot = "merged_spectra"
	LocalDensityCache Slot = "local_density_cache"
	ConsensusSpectra  Slot = "consensus_spectra"
	ConsensusUsages   Slot = "consensus_usages"
	GeneSpectraScore  Slot = "gene_spectra_score"
	GeneSpectraTPM    Slot = "gene_spectra_tpm"
	StarcatSpectra    Slot = "starcat_spectra"
	KSelectionStats   Slot = "k_selection_stats"
)

// Key addresses one artifact: a slot plus the rank, replicate and density
// threshold it depends on. Unused parts stay zero.
type Key struct {
	Slot      Slot
	K         int
	Iter      int
	Threshold string
}

func Global(s Slot) Key { return Key{Slot: s} }
func ForK(s Slot, k int) Key { return Key{Slot: s, K: k} }
func ForIter(s Slot, k, it int) Key { return Key{Slot: s, K: k, Iter: it} }

// ForThreshold keys s by rank and density threshold.
func ForThreshold(s Slot, k int, dt float64) Key {
	return Key{Slot: s, K: k, Threshold: FormatThreshold(dt)}
}

// FormatThreshold renders dt the way it appears in file names: 0.5 → "0_5".
func FormatThreshold(dt float64) string {
	return strings.ReplaceAll(strconv.FormatFloat(dt, 'f', -1, 64), ".", "_")
}

func (k Key) String() string {
	switch {
	case k.Threshold != "":
		return fmt.Sprintf("%s[k=%d,dt=%s]", k.Slot, k.K, k.Threshold)
	case k.Slot == IterSpectra:
		return fmt.Sprintf("%s[k=%d,iter=%d]", k.Slot, k.K, k.Iter)
	case k.K != 0:
		return fmt.Sprintf("%s[k=%d]", k.Slot, k.K)
	}
	return string(k.Slot)
}

// Store lays artifacts out under Dir/Name: binary tables in a cnmf_tmp
// subdirectory, text exports and lists at the top level.
type Store struct {
	Dir  string
	Name string
}

// Open creates the run directories if needed.
func Open(dir, name string) (*Store, error) {
	s := &Store{Dir: dir, Name: name}
	if err := os.MkdirAll(s.tmpDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	return s, nil
}

func (s *Store) runDir() string { return filepath.Join(s.Dir, s.Name) }
func (s *Store) tmpDir() string { return filepath.Join(s.runDir(), "cnmf_tmp") }

// Path returns the binary location of key.
func (s *Store) Path(key Key) string {
	n := s.Name
	var file string
	switch key.Slot {
	case NormalizedCounts:
		file = n + ".norm_counts.tbl"
	case TPM:
		file = n + ".tpm.tbl"
	case TPMStats:
		file = n + ".tpm_stats.tbl"
	case ReplicateParams:
		file = n + ".nmf_params.yaml"
	case RunParams:
		file = n + ".nmf_idvrun_params.yaml"
	case GenesList:
		return filepath.Join(s.runDir(), n+".overdispersed_genes.txt")
	case IterSpectra:
		file = fmt.Sprintf("%s.spectra.k_%d.iter_%d.tbl", n, key.K, key.Iter)
	case MergedSpectra:
		file = fmt.Sprintf("%s.spectra.k_%d.merged.tbl", n, key.K)
	case LocalDensityCache:
		file = fmt.Sprintf("%s.local_density_cache.k_%d.merged.tbl", n, key.K)
	case ConsensusSpectra:
		file = fmt.Sprintf("%s.spectra.k_%d.dt_%s.consensus.tbl", n, key.K, key.Threshold)
	case ConsensusUsages:
		file = fmt.Sprintf("%s.usages.k_%d.dt_%s.consensus.tbl", n, key.K, key.Threshold)
	case GeneSpectraScore:
		file = fmt.Sprintf("%s.gene_spectra_score.k_%d.dt_%s.tbl", n, key.K, key.Threshold)
	case GeneSpectraTPM:
		file = fmt.Sprintf("%s.gene_spectra_tpm.k_%d.dt_%s.tbl", n, key.K, key.Threshold)
	case StarcatSpectra:
		file = fmt.Sprintf("%s.starcat_spectra.k_%d.dt_%s.tbl", n, key.K, key.Threshold)
	case KSelectionStats:
		file = n + ".k_selection_stats.tbl"
	default:
		file = fmt.Sprintf("%s.%s.k_%d.tbl", n, key.Slot, key.K)
	}
	return filepath.Join(s.tmpDir(), file)
}

// TextPath returns the tab-separated export location of key.
func (s *Store) TextPath(key Key) string {
	base := strings.TrimSuffix(filepath.Base(s.Path(key)), ".tbl")
	return filepath.Join(s.runDir(), base+".txt")
}

func (s *Store) Exists(key Key) bool {
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// Save publishes t under key atomically.
func (s *Store) Save(key Key, t *Table) error {
	data, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	if err := publish(s.Path(key), data); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Export writes the text form of t next to the run's other outputs.
func (s *Store) Export(key Key, t *Table) error {
	var buf bytes.Buffer
	if err := WriteTSV(&buf, t); err != nil {
		return err
	}
	if err := publish(s.TextPath(key), buf.Bytes()); err != nil {
		return fmt.Errorf("export %s: %w", key, err)
	}
	return nil
}

// SaveAndExport calls Save then Export.
func (s *Store) SaveAndExport(key Key, t *Table) error {
	if err := s.Save(key, t); err != nil {
		return err
	}
	return s.Export(key, t)
}

// Load reads the table stored under key. A missing file yields ErrMissing.
func (s *Store) Load(key Key) (*Table, error) {
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s (%s)", ErrMissing, key, s.Path(key))
	}
	if err != nil {
		return nil, err
	}
	var t Table
	if err := t.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return &t, nil
}

// LoadText reads a tab-separated export.
func (s *Store) LoadText(key Key) (*Table, error) {
	f, err := os.Open(s.TextPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s (%s)", ErrMissing, key, s.TextPath(key))
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTSV(f)
}

// WriteFile publishes raw bytes under key, e.g. YAML parameters.
func (s *Store) WriteFile(key Key, data []byte) error {
	return publish(s.Path(key), data)
}

// ReadFile returns the raw bytes stored under key.
func (s *Store) ReadFile(key Key) ([]byte, error) {
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s (%s)", ErrMissing, key, s.Path(key))
	}
	return data, err
}

// Remove deletes the artifact under key if present.
func (s *Store) Remove(key Key) error {
	err := os.Remove(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// publish writes data to a temporary file in the target directory and renames
// it into place, so readers see either the old or the new file.
func publish(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
