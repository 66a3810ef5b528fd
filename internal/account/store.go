package account

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrDuplicateFingerprint is returned by Insert when a refresh token has
// already been imported.
var ErrDuplicateFingerprint = errors.New("account: refresh token already imported")

// ErrNotFound is returned when an id does not resolve to a row.
var ErrNotFound = errors.New("account: not found")

// Store is the single writer of the account pool's account, health, audit
// and app-state rows; other components refer to accounts by id. The
// model-route and request-log tables are written through DB().
type Store struct {
	db  *gorm.DB
	box *Box
}

// Open initializes the SQLite database at path, enables WAL, and runs the
// additive auto-migration for every owned table.
func Open(path string, box *Box) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("account: open database: %w", err)
	}

	if err := db.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
		return nil, fmt.Errorf("account: enable WAL: %w", err)
	}
	if err := db.Exec("PRAGMA synchronous = NORMAL").Error; err != nil {
		return nil, fmt.Errorf("account: set synchronous: %w", err)
	}
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("account: enable foreign keys: %w", err)
	}

	if err := db.AutoMigrate(&Account{}, &HealthSnapshot{}, &AuditEvent{}, &AppState{}, &ModelRoute{}); err != nil {
		return nil, fmt.Errorf("account: migrate: %w", err)
	}

	return &Store{db: db, box: box}, nil
}

// DB exposes the underlying handle. The admin model-route handlers and the
// provider catalog read and write model_routes through it, and the request
// log keeps its own table on it; account rows are written only through Store
// methods.
func (s *Store) DB() *gorm.DB { return s.db }

// List returns every account, newest id last.
func (s *Store) List() ([]Account, error) {
	var accounts []Account
	err := s.db.Order("id ASC").Find(&accounts).Error
	return accounts, err
}

// Get fetches a single account by id.
func (s *Store) Get(id int64) (*Account, error) {
	var a Account
	if err := s.db.First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// FindByFingerprint looks up an account by its refresh token's one-way hash.
func (s *Store) FindByFingerprint(fingerprint string) (*Account, error) {
	var a Account
	if err := s.db.Where("token_hash = ?", fingerprint).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// Insert encrypts and stores a new refresh token. label may be empty, in
// which case a short id-derived label is used once the row has an id.
func (s *Store) Insert(refreshToken, label string) (*Account, error) {
	fp := Fingerprint(refreshToken)
	if _, err := s.FindByFingerprint(fp); err == nil {
		return nil, ErrDuplicateFingerprint
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	enc, err := s.box.Encrypt(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("account: encrypt refresh token: %w", err)
	}

	a := &Account{
		Label:           label,
		TokenHash:       fp,
		RefreshTokenEnc: enc,
		Status:          StatusActive,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(a).Error; err != nil {
			return err
		}
		if a.Label == "" {
			a.Label = fmt.Sprintf("tk-%d", a.ID)
			if err := tx.Model(a).Update("label", a.Label).Error; err != nil {
				return err
			}
		}
		return tx.Create(&AuditEvent{
			AccountID: a.ID,
			Actor:     ActorAdmin,
			Action:    "import",
			Outcome:   "ok",
			CreatedAt: time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// DecryptRefreshToken returns the plaintext refresh token for a, marking the
// account disabled on authentication failure rather than propagating a
// poisoned pool.
func (s *Store) DecryptRefreshToken(a *Account) (string, error) {
	token, err := s.box.Decrypt(a.RefreshTokenEnc)
	if err != nil {
		_ = s.Update(a.ID, Patch{
			Status:           ptrStatus(StatusDisabled),
			LastErrorCode:    ptrStr("decrypt_failed"),
			LastErrorMessage: ptrStr(err.Error()),
		}, ActorRuntime, "decrypt", "failed")
		return "", err
	}
	return token, nil
}

// BatchImportResult reports per-row outcomes of a batch import.
type BatchImportResult struct {
	Imported []int64  `json:"imported"`
	Skipped  []string `json:"skipped"`
	Failed   []string `json:"failed"`
}

// BatchImportTokens dedups raw refresh tokens by fingerprint.
func (s *Store) BatchImportTokens(tokens []string) BatchImportResult {
	var res BatchImportResult
	for _, t := range tokens {
		if t == "" {
			continue
		}
		a, err := s.Insert(t, "")
		switch {
		case err == nil:
			res.Imported = append(res.Imported, a.ID)
		case errors.Is(err, ErrDuplicateFingerprint):
			res.Skipped = append(res.Skipped, Fingerprint(t)[:12])
		default:
			res.Failed = append(res.Failed, err.Error())
		}
	}
	return res
}

// AccountImportSpec is one row of a labeled batch import.
type AccountImportSpec struct {
	RefreshToken string `json:"refresh_token"`
	Label        string `json:"label"`
}

// BatchImportAccounts is BatchImportTokens with caller-supplied labels.
func (s *Store) BatchImportAccounts(specs []AccountImportSpec) BatchImportResult {
	var res BatchImportResult
	for _, spec := range specs {
		if spec.RefreshToken == "" {
			continue
		}
		a, err := s.Insert(spec.RefreshToken, spec.Label)
		switch {
		case err == nil:
			res.Imported = append(res.Imported, a.ID)
		case errors.Is(err, ErrDuplicateFingerprint):
			res.Skipped = append(res.Skipped, Fingerprint(spec.RefreshToken)[:12])
		default:
			res.Failed = append(res.Failed, err.Error())
		}
	}
	return res
}

// Patch is a sparse set of field updates applied atomically by Update.
// Nil fields are left untouched; CooldownUntilClear forces the column back
// to the zero value (GORM's Update otherwise ignores zero values).
type Patch struct {
	Status              *Status
	Label                *string
	AccessToken          *string
	AccessTokenExpiry    *time.Time
	Quota                *Quota
	UseCountIncrement    bool
	ErrorCount           *int64
	ErrorCountIncrement  bool
	LastErrorCode        *string
	LastErrorMessage     *string
	LastSuccessAt        *time.Time
	LastCheckAt          *time.Time
	CooldownUntil        *time.Time
	CooldownUntilClear   bool
}

func ptrStatus(s Status) *Status { return &s }
func ptrStr(s string) *string    { return &s }
func ptrTime(t time.Time) *time.Time { return &t }

// Update applies patch to account id inside a single transaction alongside
// an audit event, satisfying the atomicity requirement in the data model.
func (s *Store) Update(id int64, patch Patch, actor Actor, action, outcome string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var a Account
		if err := tx.First(&a, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		updates := map[string]interface{}{}
		if patch.Status != nil {
			if !patch.Status.Valid() {
				return fmt.Errorf("account: invalid status %q", *patch.Status)
			}
			updates["status"] = *patch.Status
		}
		if patch.Label != nil {
			updates["label"] = *patch.Label
		}
		if patch.AccessToken != nil {
			updates["access_token"] = *patch.AccessToken
		}
		if patch.AccessTokenExpiry != nil {
			updates["access_token_expiry"] = *patch.AccessTokenExpiry
		}
		if patch.Quota != nil {
			updates["quota_limit"] = patch.Quota.Limit
			updates["quota_used"] = patch.Quota.Used
			updates["quota_is_unlimited"] = patch.Quota.IsUnlimited
			updates["quota_next_refresh_at"] = patch.Quota.NextRefreshAt
			updates["quota_refresh_seconds"] = patch.Quota.RefreshSeconds
		}
		if patch.UseCountIncrement {
			updates["use_count"] = a.UseCount + 1
		}
		if patch.ErrorCount != nil {
			updates["error_count"] = *patch.ErrorCount
		} else if patch.ErrorCountIncrement {
			updates["error_count"] = a.ErrorCount + 1
		}
		if patch.LastErrorCode != nil {
			updates["last_error_code"] = *patch.LastErrorCode
		}
		if patch.LastErrorMessage != nil {
			updates["last_error_message"] = *patch.LastErrorMessage
		}
		if patch.LastSuccessAt != nil {
			updates["last_success_at"] = *patch.LastSuccessAt
		}
		if patch.LastCheckAt != nil {
			updates["last_check_at"] = *patch.LastCheckAt
		}
		if patch.CooldownUntilClear {
			updates["cooldown_until"] = time.Time{}
		} else if patch.CooldownUntil != nil {
			updates["cooldown_until"] = *patch.CooldownUntil
		}

		if len(updates) > 0 {
			if err := tx.Model(&a).Updates(updates).Error; err != nil {
				return err
			}
		}

		return tx.Create(&AuditEvent{
			AccountID: id,
			Actor:     actor,
			Action:    action,
			Outcome:   outcome,
			CreatedAt: time.Now(),
		}).Error
	})
}

// Delete removes an account and its health snapshot permanently. Audit
// events referencing it are kept (they are immortal).
func (s *Store) Delete(id int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Account{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Delete(&HealthSnapshot{}, "account_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Create(&AuditEvent{
			AccountID: id,
			Actor:     ActorAdmin,
			Action:    "delete",
			Outcome:   "ok",
			CreatedAt: time.Now(),
		}).Error
	})
}

// BatchDelete deletes every listed id, continuing past individual failures.
func (s *Store) BatchDelete(ids []int64) (deleted []int64, failed []int64) {
	for _, id := range ids {
		if err := s.Delete(id); err != nil {
			failed = append(failed, id)
			continue
		}
		deleted = append(deleted, id)
	}
	return
}

// SnapshotHealth upserts the Health Monitor's view of one account.
func (s *Store) SnapshotHealth(snap HealthSnapshot) error {
	snap.UpdatedAt = time.Now()
	return s.db.Clauses(upsertHealthClause()...).Create(&snap).Error
}

// ReadHealth returns the last known health snapshot for id, if any.
func (s *Store) ReadHealth(id int64) (*HealthSnapshot, error) {
	var h HealthSnapshot
	if err := s.db.First(&h, "account_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &h, nil
}

// ListHealth returns every stored health snapshot.
func (s *Store) ListHealth() ([]HealthSnapshot, error) {
	var snaps []HealthSnapshot
	err := s.db.Find(&snaps).Error
	return snaps, err
}

// AppendAudit writes a standalone audit event outside of an Update call,
// used by components (Auth Refresher, Health Monitor) that do not otherwise
// touch the account row.
func (s *Store) AppendAudit(ev AuditEvent) error {
	ev.CreatedAt = time.Now()
	return s.db.Create(&ev).Error
}

// ListAudit returns the most recent audit events, optionally filtered by
// account id (0 means unfiltered), newest first.
func (s *Store) ListAudit(accountID int64, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := s.db.Order("id DESC").Limit(limit)
	if accountID != 0 {
		q = q.Where("account_id = ?", accountID)
	}
	var events []AuditEvent
	err := q.Find(&events).Error
	return events, err
}

// Statistics summarizes the pool by status.
type Statistics struct {
	Total     int64            `json:"total"`
	ByStatus  map[Status]int64 `json:"by_status"`
	ByHealthy map[string]int64 `json:"by_healthy"`
}

// Statistics groups accounts by status and by their latest Health Monitor
// snapshot. Accounts the monitor has never checked count as "unknown" rather
// than either healthy bucket.
func (s *Store) Statistics() (Statistics, error) {
	stats := Statistics{ByStatus: map[Status]int64{}, ByHealthy: map[string]int64{}}
	var rows []struct {
		Status Status
		Count  int64
	}
	if err := s.db.Model(&Account{}).Select("status, count(*) as count").Group("status").Find(&rows).Error; err != nil {
		return stats, err
	}
	for _, r := range rows {
		stats.ByStatus[r.Status] = r.Count
		stats.Total += r.Count
	}

	var healthRows []struct {
		Healthy bool
		Count   int64
	}
	if err := s.db.Model(&HealthSnapshot{}).Select("healthy, count(*) as count").Group("healthy").Find(&healthRows).Error; err != nil {
		return stats, err
	}
	var snapshotted int64
	for _, r := range healthRows {
		snapshotted += r.Count
		if r.Healthy {
			stats.ByHealthy["healthy"] = r.Count
		} else {
			stats.ByHealthy["unhealthy"] = r.Count
		}
	}
	if unknown := stats.Total - snapshotted; unknown > 0 {
		stats.ByHealthy["unknown"] = unknown
	}
	return stats, nil
}

// KVGet reads an app-state value.
// KVGet returns an app-state value, treating an expired row as absent and
// deleting it lazily rather than surfacing stale data.
func (s *Store) KVGet(key string) (string, bool, error) {
	var row AppState
	if err := s.db.First(&row, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	if !row.ExpiresAt.IsZero() && row.ExpiresAt.Before(time.Now()) {
		_ = s.KVDelete(key)
		return "", false, nil
	}
	return row.Value, true, nil
}

// KVSet upserts an app-state value with no expiry. Use KVSetTTL for a value
// that should lapse on its own.
func (s *Store) KVSet(key, value string) error {
	return s.KVSetTTL(key, value, 0)
}

// KVSetTTL upserts an app-state value that expires after ttl. A zero or
// negative ttl means the value never expires.
func (s *Store) KVSetTTL(key, value string, ttl time.Duration) error {
	row := AppState{Key: key, Value: value, UpdatedAt: time.Now()}
	if ttl > 0 {
		row.ExpiresAt = row.UpdatedAt.Add(ttl)
	}
	return s.db.Clauses(upsertAppStateClause()...).Create(&row).Error
}

// KVDelete removes an app-state row if present.
func (s *Store) KVDelete(key string) error {
	return s.db.Delete(&AppState{}, "key = ?", key).Error
}

func upsertHealthClause() []clause.Expression {
	return []clause.Expression{
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			UpdateAll: true,
		},
	}
}

func upsertAppStateClause() []clause.Expression {
	return []clause.Expression{
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		},
	}
}
