package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castworks/cw-studio/internal/data"
)

func newTestCache(t *testing.T) (*Cache, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewCache(rdb, data.NewModels(db), time.Minute), mock, mr
}

func cameraRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "host", "rtsp_port", "stream_path", "username",
		"kind", "onvif_port", "device_url", "enabled", "created_at", "updated_at",
	}).AddRow(1, "north", "192.0.2.5", 554, "stream1", "admin",
		"ptz", nil, nil, true, time.Now(), time.Now())
}

func TestCameraReadThrough(t *testing.T) {
	cache, mock, _ := newTestCache(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM cameras").
		WithArgs(int64(1)).
		WillReturnRows(cameraRows())

	cam, err := cache.Camera(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "north", cam.Name)

	// Second read comes from the cache, no further query expected.
	cam, err = cache.Camera(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "north", cam.Name)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidateCamera(t *testing.T) {
	cache, mock, _ := newTestCache(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM cameras").WithArgs(int64(1)).WillReturnRows(cameraRows())
	_, err := cache.Camera(ctx, 1)
	require.NoError(t, err)

	cache.InvalidateCamera(ctx, 1)

	mock.ExpectQuery("SELECT (.+) FROM cameras").WithArgs(int64(1)).WillReturnRows(cameraRows())
	_, err = cache.Camera(ctx, 1)
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheExpiry(t *testing.T) {
	cache, mock, mr := newTestCache(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT (.+) FROM cameras").WithArgs(int64(1)).WillReturnRows(cameraRows())
	_, err := cache.Camera(ctx, 1)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM cameras").WithArgs(int64(1)).WillReturnRows(cameraRows())
	_, err = cache.Camera(ctx, 1)
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCorruptEntryReloads(t *testing.T) {
	cache, mock, mr := newTestCache(t)
	ctx := context.Background()

	mr.Set(cameraKey(1), "{not json")

	mock.ExpectQuery("SELECT (.+) FROM cameras").WithArgs(int64(1)).WillReturnRows(cameraRows())
	cam, err := cache.Camera(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cam.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPositionStore(t *testing.T) {
	s := NewPositionStore()
	assert.Nil(t, s.Get())

	s.Set(&Position{TimelineID: 4, CueIndex: 1, Offset: 2.5})
	got := s.Get()
	require.NotNil(t, got)
	assert.Equal(t, int64(4), got.TimelineID)

	s.Clear()
	assert.Nil(t, s.Get())
}

func TestPositionStoreConcurrentReads(t *testing.T) {
	s := NewPositionStore()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			s.Set(&Position{TimelineID: 1, CueIndex: i})
		}
	}()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if p := s.Get(); p != nil {
					_ = p.CueIndex
				}
			}
		}()
	}
	wg.Wait()
	<-done
}
