package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"salesdesk/pkg/domain"
	"salesdesk/pkg/gateway"
)

const migrateLockID int64 = 51730417

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		models := []any{&IdentityModel{}}
		for _, name := range Collections() {
			models = append(models, collections[name].newModel())
		}
		if err := tx.AutoMigrate(models...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreFromDB wraps an already opened connection without migrating.
func NewGormStoreFromDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Query returns one window of a collection plus, when asked, the exact
// count of all matching rows. Rows and count run concurrently.
func (s *GormStore) Query(ctx context.Context, q gateway.Query) (gateway.Result, error) {
	def, err := lookupCollection(q.Collection)
	if err != nil {
		return gateway.Result{}, err
	}
	if err := def.validate(q); err != nil {
		return gateway.Result{}, err
	}

	var (
		rows  []map[string]any
		total int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rowsQuery(s.db.WithContext(gctx), def, q).Find(&rows).Error
	})
	if q.ExactCount {
		g.Go(func() error {
			return countQuery(s.db.WithContext(gctx), def, q.Filters).Count(&total).Error
		})
	}
	if err := g.Wait(); err != nil {
		return gateway.Result{}, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	return gateway.Result{Rows: toRecords(rows), TotalCount: int(total)}, nil
}

// QueryOne returns the first row matching filters.
func (s *GormStore) QueryOne(ctx context.Context, collection string, filters gateway.Filters) (domain.Record, bool, error) {
	def, err := lookupCollection(collection)
	if err != nil {
		return nil, false, err
	}
	if err := def.validateFilters(filters); err != nil {
		return nil, false, err
	}
	var rows []map[string]any
	tx := applyFilters(s.db.WithContext(ctx).Table(def.table), filters).Limit(1)
	if err := tx.Find(&rows).Error; err != nil {
		return nil, false, fmt.Errorf("query one %s: %w", collection, err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return toRecords(rows)[0], true, nil
}

// Insert stores rec in collection and returns the stored row. Fields that
// are not columns of the collection are kept in its extra JSON column.
func (s *GormStore) Insert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	def, err := lookupCollection(collection)
	if err != nil {
		return nil, err
	}
	model, err := def.decode(rec)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return nil, fmt.Errorf("insert %s: %w", collection, err)
	}
	return encodeModel(model)
}

func rowsQuery(db *gorm.DB, def collectionDef, q gateway.Query) *gorm.DB {
	tx := applyFilters(db.Table(def.table), q.Filters)
	if q.Order != nil {
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: q.Order.Column}, Desc: q.Order.Desc})
	}
	if q.Range != nil {
		tx = tx.Offset(q.Range.Offset).Limit(q.Range.Limit)
	}
	return tx
}

func countQuery(db *gorm.DB, def collectionDef, filters gateway.Filters) *gorm.DB {
	return applyFilters(db.Table(def.table), filters)
}

func applyFilters(tx *gorm.DB, f gateway.Filters) *gorm.DB {
	for _, eq := range f.Eq {
		tx = tx.Where(clause.Eq{Column: clause.Column{Name: eq.Column}, Value: eq.Value})
	}
	for _, il := range f.ILike {
		tx = tx.Where(clause.Expr{
			SQL:  "? ILIKE ?",
			Vars: []any{clause.Column{Name: il.Column}, likePattern(il.Substring)},
		})
	}
	return tx
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern matches substring anywhere, treating LIKE wildcards literally.
func likePattern(substring string) string {
	return "%" + likeEscaper.Replace(substring) + "%"
}

func toRecords(rows []map[string]any) []domain.Record {
	out := make([]domain.Record, 0, len(rows))
	for _, row := range rows {
		rec := make(domain.Record, len(row))
		for k, v := range row {
			switch raw := v.(type) {
			case []byte:
				if k == "extra" {
					rec[k] = json.RawMessage(append([]byte(nil), raw...))
					continue
				}
				rec[k] = string(raw)
			default:
				if k == "extra" {
					if str, ok := v.(string); ok {
						rec[k] = json.RawMessage(str)
						continue
					}
				}
				rec[k] = v
			}
		}
		out = append(out, rec)
	}
	return out
}

// SaveIdentity registers or updates an identity.
func (s *GormStore) SaveIdentity(ctx context.Context, id domain.Identity) error {
	now := time.Now().UTC()
	if id.CreatedAt.IsZero() {
		id.CreatedAt = now
	}
	model := IdentityModel{
		ID:           id.ID,
		Email:        normalizeEmail(id.Email),
		PasswordHash: id.PasswordHash,
		CreatedAt:    id.CreatedAt,
		UpdatedAt:    now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "password_hash", "updated_at"}),
	}).Create(&model).Error
}

// GetIdentityByEmail looks up an identity by email.
func (s *GormStore) GetIdentityByEmail(ctx context.Context, email string) (domain.Identity, bool, error) {
	var model IdentityModel
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Identity{}, false, nil
	}
	if err != nil {
		return domain.Identity{}, false, err
	}
	return identityFromModel(model), true, nil
}

// GetIdentityByID returns an identity by ID.
func (s *GormStore) GetIdentityByID(ctx context.Context, id string) (domain.Identity, bool, error) {
	var model IdentityModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Identity{}, false, nil
	}
	if err != nil {
		return domain.Identity{}, false, err
	}
	return identityFromModel(model), true, nil
}

// UpsertRegisteredUser creates the user row for email or updates its
// activation flag.
func (s *GormStore) UpsertRegisteredUser(ctx context.Context, email string, active bool) (domain.RegisteredUser, error) {
	now := time.Now().UTC()
	model := UserModel{Email: normalizeEmail(email), IsActive: active, CreatedAt: now, UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_active", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return domain.RegisteredUser{}, fmt.Errorf("upsert user: %w", err)
	}
	user, _, err := s.GetRegisteredUser(ctx, email)
	return user, err
}

// GetRegisteredUser returns the user row for email.
func (s *GormStore) GetRegisteredUser(ctx context.Context, email string) (domain.RegisteredUser, bool, error) {
	var model UserModel
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.RegisteredUser{}, false, nil
	}
	if err != nil {
		return domain.RegisteredUser{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListRegisteredUsers returns all user rows, newest first.
func (s *GormStore) ListRegisteredUsers(ctx context.Context) ([]domain.RegisteredUser, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("id desc").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.RegisteredUser, 0, len(models))
	for _, m := range models {
		out = append(out, userFromModel(m))
	}
	return out, nil
}

func identityFromModel(m IdentityModel) domain.Identity {
	return domain.Identity{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.RegisteredUser {
	return domain.RegisteredUser{ID: m.ID, Email: m.Email, IsActive: m.IsActive, CreatedAt: m.CreatedAt}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
