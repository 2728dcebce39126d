package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/xoelrdgz/sshguard/internal/domain"
)

// BlocksBucket holds one BlockRecord per applied block, keyed so that a
// cursor walks them in application order.
var BlocksBucket = []byte("blocks")

const journalLockTimeout = 2 * time.Second

// BlockJournal is an audit trail of applied blocks in a bbolt file. It is
// never read back into the detector.
//
// The database is opened per operation so `sshguard history` can read it
// while the daemon runs.
type BlockJournal struct {
	path   string
	logger zerolog.Logger
	now    func() time.Time
}

// OpenBlockJournal creates the directory, file and bucket if needed.
func OpenBlockJournal(path string, logger zerolog.Logger) (*BlockJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &BlockJournal{
		path:   path,
		logger: logger.With().Str("component", "journal").Str("db_path", path).Logger(),
		now:    time.Now,
	}

	err := j.update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(BlocksBucket)
		return err
	})
	if err != nil {
		return nil, err
	}

	j.logger.Info().Msg("Block journal ready")
	return j, nil
}

func (j *BlockJournal) Path() string {
	return j.path
}

func (j *BlockJournal) update(fn func(tx *bolt.Tx) error) error {
	db, err := bolt.Open(j.path, 0600, &bolt.Options{Timeout: journalLockTimeout, NoGrowSync: true})
	if err != nil {
		return fmt.Errorf("failed to open bolt db: %w", err)
	}
	defer db.Close()
	return db.Update(fn)
}

func recordKey(rec *domain.BlockRecord) []byte {
	return []byte(fmt.Sprintf("%020d-%s", rec.AppliedAt.UnixNano(), rec.Decision.ID))
}

// Record appends one applied block.
func (j *BlockJournal) Record(rec domain.BlockRecord) error {
	if rec.AppliedAt.IsZero() {
		rec.AppliedAt = j.now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return j.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(BlocksBucket)
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Put(recordKey(&rec), data)
	})
}

func (j *BlockJournal) OnLine(string) {}

// OnBlock journals successful and simulated blocks; failures leave the
// address unblocked and are not recorded.
func (j *BlockJournal) OnBlock(decision *domain.BlockDecision, backend string, simulated bool, err error) {
	if err != nil || decision == nil {
		return
	}
	rec := domain.BlockRecord{
		Decision:  *decision,
		Backend:   backend,
		Simulated: simulated,
		AppliedAt: j.now(),
	}
	if err := j.Record(rec); err != nil {
		j.logger.Error().Err(err).Str("ip", decision.AddrString()).Msg("Failed to journal block")
	}
}

// ReadBlockJournal returns up to limit records, newest first. limit <= 0
// returns everything. A missing file yields no records.
func ReadBlockJournal(path string, limit int) ([]domain.BlockRecord, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: journalLockTimeout, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	defer db.Close()

	var records []domain.BlockRecord
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(BlocksBucket)
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec domain.BlockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record %s: %w", k, err)
			}
			records = append(records, rec)
			if limit > 0 && len(records) >= limit {
				break
			}
		}
		return nil
	})
	return records, err
}
