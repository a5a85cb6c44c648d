package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/golang-lru/v2/expirable"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"pricewise/catalog"
)

// Config SQLite 配置
type Config struct {
	// Driver 为 "sqlite3"（mattn，cgo）或 "sqlite"（modernc，纯 Go）
	Driver      string
	Path        string
	BusyTimeout int
	CacheSize   int
	// CacheTTL 商品缓存条目的有效期，其他进程写入的变更最迟在此时长后可见
	CacheTTL time.Duration
}

// SQLite 商品目录与模型存储
type SQLite struct {
	db       *sql.DB
	driver   string
	products *expirable.LRU[int, catalog.Product]
}

// Open 打开数据库并建表
func Open(cfg Config) (*SQLite, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}

	var dsn string
	switch cfg.Driver {
	case "sqlite3":
		dsn = fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL", cfg.Path, cfg.BusyTimeout)
	case "sqlite":
		dsn = fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cfg.Path, cfg.BusyTimeout)
	default:
		return nil, errors.Newf("unsupported sqlite driver %q", cfg.Driver)
	}

	database, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	cache := expirable.NewLRU[int, catalog.Product](cfg.CacheSize, nil, cfg.CacheTTL)

	s := &SQLite{db: database, driver: cfg.Driver, products: cache}
	if err := s.initSchema(); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "init schema")
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS products (
        id INTEGER PRIMARY KEY,
        name TEXT NOT NULL,
        price REAL NOT NULL,
        quantity INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_products_name ON products(name);
    CREATE TABLE IF NOT EXISTS training_models (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name TEXT NOT NULL UNIQUE,
        data BLOB NOT NULL,
        version INTEGER NOT NULL,
        updated_at INTEGER NOT NULL
    );
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name TEXT NOT NULL,
        mode TEXT NOT NULL,
        product_id INTEGER NOT NULL,
        prediction REAL NOT NULL,
        data_points INTEGER NOT NULL,
        trained_at INTEGER NOT NULL
    );
    `
	_, err := s.db.Exec(query)
	return err
}

// Close 关闭数据库
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Driver 返回当前使用的驱动名
func (s *SQLite) Driver() string {
	return s.driver
}

// FindByID 按 ID 查询商品，不存在时返回 nil, nil。结果缓存 CacheTTL。
func (s *SQLite) FindByID(ctx context.Context, id int) (*catalog.Product, error) {
	if p, ok := s.products.Get(id); ok {
		return &p, nil
	}

	var p catalog.Product
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, price, quantity FROM products WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Price, &p.Quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query product %d", id)
	}
	s.products.Add(id, p)
	return &p, nil
}

// FindAllByName 查询同名商品
func (s *SQLite) FindAllByName(ctx context.Context, name string) ([]catalog.Product, error) {
	return s.queryProducts(ctx,
		`SELECT id, name, price, quantity FROM products WHERE name = ? ORDER BY id`, name)
}

// ListProducts 列出全部商品
func (s *SQLite) ListProducts(ctx context.Context) ([]catalog.Product, error) {
	return s.queryProducts(ctx, `SELECT id, name, price, quantity FROM products ORDER BY id`)
}

func (s *SQLite) queryProducts(ctx context.Context, query string, args ...interface{}) ([]catalog.Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query products")
	}
	defer rows.Close()

	products := make([]catalog.Product, 0)
	for rows.Next() {
		var p catalog.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Quantity); err != nil {
			return nil, errors.Wrap(err, "scan product")
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// UpsertProduct 新增或覆盖商品
func (s *SQLite) UpsertProduct(ctx context.Context, p catalog.Product) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO products (id, name, price, quantity)
        VALUES (?, ?, ?, ?)`, p.ID, p.Name, p.Price, p.Quantity)
	if err != nil {
		return errors.Wrapf(err, "upsert product %d", p.ID)
	}
	s.products.Remove(p.ID)
	return nil
}

// GetModel 读取模型，不存在时返回 nil, nil
func (s *SQLite) GetModel(ctx context.Context, name string) (*ModelBlob, error) {
	var (
		blob      ModelBlob
		version   int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT model_name, data, version, updated_at FROM training_models WHERE model_name = ?`, name).
		Scan(&blob.Name, &blob.Data, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "query model %s", name)
	}
	blob.Version = strconv.FormatInt(version, 10)
	blob.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &blob, nil
}

// PutModel 以版本号做比较并交换写入模型。
// expected 为空表示模型必须尚不存在；版本不匹配返回 ErrVersionConflict。
func (s *SQLite) PutModel(ctx context.Context, name string, data []byte, expected string) (string, error) {
	now := time.Now().UTC().UnixNano()

	if expected == "" {
		res, err := s.db.ExecContext(ctx, `
            INSERT INTO training_models (model_name, data, version, updated_at)
            VALUES (?, ?, 1, ?)
            ON CONFLICT(model_name) DO NOTHING`, name, data, now)
		if err != nil {
			return "", errors.Wrapf(err, "insert model %s", name)
		}
		if err := expectOneRow(res, name); err != nil {
			return "", err
		}
		return "1", nil
	}

	version, err := strconv.ParseInt(expected, 10, 64)
	if err != nil {
		return "", errors.Wrapf(ErrVersionConflict, "model %s: malformed version %q", name, expected)
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE training_models SET data = ?, version = version + 1, updated_at = ?
        WHERE model_name = ? AND version = ?`, data, now, name, version)
	if err != nil {
		return "", errors.Wrapf(err, "update model %s", name)
	}
	if err := expectOneRow(res, name); err != nil {
		return "", err
	}
	return strconv.FormatInt(version+1, 10), nil
}

func expectOneRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrVersionConflict, "model %s", name)
	}
	return nil
}

// TrainingLog 训练记录
type TrainingLog struct {
	ModelName  string    `json:"model_name"`
	Mode       string    `json:"mode"`
	ProductID  int       `json:"product_id"`
	Prediction float64   `json:"prediction"`
	DataPoints int       `json:"data_points"`
	TrainedAt  time.Time `json:"trained_at"`
}

// SaveTrainingLog 追加一条训练记录
func (s *SQLite) SaveTrainingLog(ctx context.Context, entry TrainingLog) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO training_log (model_name, mode, product_id, prediction, data_points, trained_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ModelName, entry.Mode, entry.ProductID, entry.Prediction, entry.DataPoints, entry.TrainedAt.UTC().UnixNano())
	return errors.Wrap(err, "save training log")
}

// LoadTrainingLog 按时间倒序读取训练记录
func (s *SQLite) LoadTrainingLog(ctx context.Context, modelName string, limit int) ([]TrainingLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT model_name, mode, product_id, prediction, data_points, trained_at
        FROM training_log
        WHERE model_name = ?
        ORDER BY trained_at DESC, id DESC
        LIMIT ?`, modelName, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query training log")
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var (
			entry     TrainingLog
			trainedAt int64
		)
		if err := rows.Scan(&entry.ModelName, &entry.Mode, &entry.ProductID, &entry.Prediction, &entry.DataPoints, &trainedAt); err != nil {
			return nil, errors.Wrap(err, "scan training log")
		}
		entry.TrainedAt = time.Unix(0, trainedAt).UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
