package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewise/catalog"
)

func openTestDB(t *testing.T, driver string) *SQLite {
	t.Helper()
	s, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCatalogQueries(t *testing.T) {
	for _, driver := range []string{"sqlite3", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			s := openTestDB(t, driver)
			ctx := context.Background()

			require.NoError(t, s.UpsertProduct(ctx, catalog.Product{ID: 1, Name: "Widget", Price: 10, Quantity: 5}))
			require.NoError(t, s.UpsertProduct(ctx, catalog.Product{ID: 2, Name: "Widget", Price: 20, Quantity: 3}))
			require.NoError(t, s.UpsertProduct(ctx, catalog.Product{ID: 3, Name: "Gadget", Price: 99, Quantity: 1}))

			p, err := s.FindByID(ctx, 2)
			require.NoError(t, err)
			require.NotNil(t, p)
			assert.Equal(t, catalog.Product{ID: 2, Name: "Widget", Price: 20, Quantity: 3}, *p)

			missing, err := s.FindByID(ctx, 999999)
			require.NoError(t, err)
			assert.Nil(t, missing)

			widgets, err := s.FindAllByName(ctx, "Widget")
			require.NoError(t, err)
			assert.Equal(t, []float64{10, 20}, catalog.Prices(widgets))

			all, err := s.ListProducts(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestUpsertInvalidatesCachedProduct(t *testing.T) {
	s := openTestDB(t, "sqlite3")
	ctx := context.Background()

	require.NoError(t, s.UpsertProduct(ctx, catalog.Product{ID: 1, Name: "Widget", Price: 10}))
	_, err := s.FindByID(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, s.UpsertProduct(ctx, catalog.Product{ID: 1, Name: "Widget", Price: 12}))
	p, err := s.FindByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 12.0, p.Price)
}

func TestCachedProductExpiresAfterExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	server, err := Open(Config{Driver: "sqlite3", Path: path, CacheTTL: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	seeder, err := Open(Config{Driver: "sqlite3", Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { seeder.Close() })
	ctx := context.Background()

	require.NoError(t, seeder.UpsertProduct(ctx, catalog.Product{ID: 1, Name: "Widget", Price: 10}))
	p, err := server.FindByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 10.0, p.Price)

	require.NoError(t, seeder.UpsertProduct(ctx, catalog.Product{ID: 1, Name: "Gizmo", Price: 500}))

	assert.Eventually(t, func() bool {
		p, err := server.FindByID(ctx, 1)
		return err == nil && p != nil && p.Price == 500 && p.Name == "Gizmo"
	}, 2*time.Second, 20*time.Millisecond)

	gizmos, err := server.FindAllByName(ctx, "Gizmo")
	require.NoError(t, err)
	assert.Equal(t, []float64{500}, catalog.Prices(gizmos))
}

func TestPutModelCompareAndSwap(t *testing.T) {
	for _, driver := range []string{"sqlite3", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			s := openTestDB(t, driver)
			ctx := context.Background()

			blob, err := s.GetModel(ctx, DefaultModelName)
			require.NoError(t, err)
			assert.Nil(t, blob)

			v1, err := s.PutModel(ctx, DefaultModelName, []byte{1, 2}, "")
			require.NoError(t, err)

			_, err = s.PutModel(ctx, DefaultModelName, []byte{9}, "")
			assert.ErrorIs(t, err, ErrVersionConflict)

			v2, err := s.PutModel(ctx, DefaultModelName, []byte{3, 4}, v1)
			require.NoError(t, err)
			assert.NotEqual(t, v1, v2)

			_, err = s.PutModel(ctx, DefaultModelName, []byte{5}, v1)
			assert.ErrorIs(t, err, ErrVersionConflict)

			blob, err = s.GetModel(ctx, DefaultModelName)
			require.NoError(t, err)
			require.NotNil(t, blob)
			assert.Equal(t, []byte{3, 4}, blob.Data)
			assert.Equal(t, v2, blob.Version)
			assert.False(t, blob.UpdatedAt.IsZero())
		})
	}
}

func TestTrainingLog(t *testing.T) {
	s := openTestDB(t, "sqlite3")
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveTrainingLog(ctx, TrainingLog{ModelName: DefaultModelName, Mode: "cold-train", ProductID: 1, Prediction: 9.5, DataPoints: 2, TrainedAt: now}))
	require.NoError(t, s.SaveTrainingLog(ctx, TrainingLog{ModelName: DefaultModelName, Mode: "fine-tune", ProductID: 1, Prediction: 9.9, DataPoints: 1, TrainedAt: now.Add(time.Second)}))
	require.NoError(t, s.SaveTrainingLog(ctx, TrainingLog{ModelName: "Other", Mode: "fine-tune", ProductID: 2, TrainedAt: now}))

	logs, err := s.LoadTrainingLog(ctx, DefaultModelName, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "fine-tune", logs[0].Mode)
	assert.Equal(t, "cold-train", logs[1].Mode)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres", Path: "x"})
	assert.Error(t, err)
}
