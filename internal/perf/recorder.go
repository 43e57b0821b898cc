package perf

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/basislab/hedgecore/internal/model"
	"github.com/basislab/hedgecore/internal/pkg/logger"
	"gorm.io/gorm"
)

// Recorder maintains the append-only per-vault performance series. The
// ndjson file is the source of truth; a Postgres archive is attached when a
// DSN is configured and is strictly best-effort (an archive failure never
// fails the cycle).
type Recorder struct {
	vaultID string
	path    string

	mu sync.Mutex
	db *gorm.DB
}

func NewRecorder(stateDir, vaultID string, db *gorm.DB) (*Recorder, error) {
	dir := filepath.Join(stateDir, vaultID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	r := &Recorder{
		vaultID: vaultID,
		path:    filepath.Join(dir, "perf.ndjson"),
		db:      db,
	}
	if db != nil {
		if err := db.AutoMigrate(&model.PerformanceRecord{}); err != nil {
			logger.Warn("perf archive migrate failed, file-only", "vault", vaultID, "error", err)
			r.db = nil
		}
	}
	return r, nil
}

func (r *Recorder) Record(rec model.PerformanceRecord) error {
	rec.VaultID = r.vaultID
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}

	if r.db != nil {
		if err := r.db.Create(&rec).Error; err != nil {
			logger.Warn("perf archive insert failed", "vault", r.vaultID, "error", err)
		}
	}
	return nil
}

// Load reads the full series back. Malformed lines (torn writes from a
// crash) are skipped.
func (r *Recorder) Load() ([]model.PerformanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.PerformanceRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec model.PerformanceRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
