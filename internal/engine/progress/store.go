// Package progress persists per-cell harvest state as a line-oriented
// CSV file. The file is the sole resumability mechanism: one cell per
// line, `lat,lng,status,placesFound,errorMessage`, rewritten atomically
// on every status change.
package progress

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strconv"
	"sync"

	"github.com/tavolo/placeharvest/internal/model"
)

// matchEpsilon is the coordinate tolerance for matching a cell on
// update (~11m). Cells come back from disk, so identity can't be used.
const matchEpsilon = 1e-4

var (
	// ErrStoreExists guards --init against silently erasing progress.
	ErrStoreExists = errors.New("progress store already exists")
	// ErrNoStore means --init has not been run yet.
	ErrNoStore = errors.New("progress store not found, run --init first")
	// ErrCellNotFound means no stored cell matched the update coordinates.
	ErrCellNotFound = errors.New("cell not found in progress store")
)

// Stats are the aggregate counters behind --status.
type Stats struct {
	Total            int
	Pending          int
	Processing       int
	Completed        int
	Failed           int
	TotalPlacesFound int
}

// Store reads and writes the cell progress file. All mutations are
// serialized by the internal mutex; the harvester may update from
// multiple workers but only one rewrite runs at a time.
type Store struct {
	path   string
	logger *log.Logger

	mu sync.Mutex
}

func NewStore(path string, logger *log.Logger) *Store {
	return &Store{path: path, logger: logger}
}

func (s *Store) Path() string { return s.path }

func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Init writes the initial cell list. An existing store is only replaced
// when overwrite is set: replacing it erases all harvest progress.
func (s *Store) Init(cells []model.Cell, overwrite bool) error {
	if s.Exists() && !overwrite {
		return fmt.Errorf("%w: %s", ErrStoreExists, s.path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(cells)
}

// Load reads every cell. It never mutates the file, so --status stays a
// pure read. The rename in write is atomic, so an unlocked read always
// sees a complete file.
func (s *Store) Load() ([]model.Cell, error) {
	return s.load()
}

func (s *Store) load() ([]model.Cell, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoStore
		}
		return nil, fmt.Errorf("opening progress store: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 5

	var cells []model.Cell
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading progress store: %w", err)
		}
		line++

		lat, err := strconv.ParseFloat(rec[0], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad latitude %q", line, rec[0])
		}
		lng, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad longitude %q", line, rec[1])
		}
		status := model.CellStatus(rec[2])
		if !model.ValidStatus(status) {
			return nil, fmt.Errorf("line %d: unknown status %q", line, rec[2])
		}
		found, err := strconv.Atoi(rec[3])
		if err != nil || found < 0 {
			return nil, fmt.Errorf("line %d: bad places count %q", line, rec[3])
		}

		cells = append(cells, model.Cell{
			Lat:          lat,
			Lng:          lng,
			Status:       status,
			PlacesFound:  found,
			ErrorMessage: rec[4],
		})
	}
	return cells, nil
}

// Save rewrites the whole file. Acceptable for grids in the low
// thousands of cells; a keyed store would replace this at larger scale.
func (s *Store) Save(cells []model.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(cells)
}

// write replaces the store through a temp file and rename so a crash
// mid-write never truncates the only copy of harvest progress.
func (s *Store) write(cells []model.Cell) error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp store: %w", err)
	}

	w := csv.NewWriter(f)
	for _, c := range cells {
		err := w.Write([]string{
			strconv.FormatFloat(c.Lat, 'f', 6, 64),
			strconv.FormatFloat(c.Lng, 'f', 6, 64),
			string(c.Status),
			strconv.Itoa(c.PlacesFound),
			c.ErrorMessage,
		})
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("writing cell: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flushing store: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing store: %w", err)
	}
	return nil
}

// UpdateStatus transitions one cell, matching by coordinates within
// matchEpsilon. PlacesFound is recorded only on completion, the error
// message only on failure. The whole load-modify-write runs under the
// mutex: two workers finishing at once must not overwrite each other's
// transition with a stale snapshot.
func (s *Store) UpdateStatus(cell model.Cell, status model.CellStatus, placesFound int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cells, err := s.load()
	if err != nil {
		return err
	}

	idx := -1
	for i := range cells {
		if math.Abs(cells[i].Lat-cell.Lat) < matchEpsilon && math.Abs(cells[i].Lng-cell.Lng) < matchEpsilon {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: (%.6f,%.6f)", ErrCellNotFound, cell.Lat, cell.Lng)
	}

	cells[idx].Status = status
	cells[idx].PlacesFound = 0
	cells[idx].ErrorMessage = ""
	switch status {
	case model.StatusCompleted:
		cells[idx].PlacesFound = placesFound
	case model.StatusFailed:
		cells[idx].ErrorMessage = errMsg
	}

	return s.write(cells)
}

// Pending returns up to limit pending cells in stored (priority) order.
// limit <= 0 means all.
func (s *Store) Pending(limit int) ([]model.Cell, error) {
	cells, err := s.Load()
	if err != nil {
		return nil, err
	}
	var pending []model.Cell
	for _, c := range cells {
		if c.Status != model.StatusPending {
			continue
		}
		pending = append(pending, c)
		if limit > 0 && len(pending) == limit {
			break
		}
	}
	return pending, nil
}

// ReclaimAbandoned resets cells stuck in processing back to pending.
// A cell can only be left mid-processing by a crash or interrupt, and
// with a single writer nothing else can still own it, so the reset is
// always safe. Called at the start of every harvest run.
func (s *Store) ReclaimAbandoned() (int, error) {
	return s.resetWhere(model.StatusProcessing)
}

// ResetFailed is the explicit operator action that makes failed cells
// eligible again. Failed cells are never retried automatically.
func (s *Store) ResetFailed() (int, error) {
	return s.resetWhere(model.StatusFailed)
}

func (s *Store) resetWhere(status model.CellStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cells, err := s.load()
	if err != nil {
		return 0, err
	}
	reset := 0
	for i := range cells {
		if cells[i].Status != status {
			continue
		}
		cells[i].Status = model.StatusPending
		cells[i].PlacesFound = 0
		cells[i].ErrorMessage = ""
		reset++
	}
	if reset == 0 {
		return 0, nil
	}
	if s.logger != nil {
		s.logger.Printf("RESET status=%s cells=%d", status, reset)
	}
	return reset, s.write(cells)
}

// Statistics aggregates the stored cells. Read-only.
func (s *Store) Statistics() (Stats, error) {
	cells, err := s.Load()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(cells)}
	for _, c := range cells {
		switch c.Status {
		case model.StatusPending:
			st.Pending++
		case model.StatusProcessing:
			st.Processing++
		case model.StatusCompleted:
			st.Completed++
			st.TotalPlacesFound += c.PlacesFound
		case model.StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}
