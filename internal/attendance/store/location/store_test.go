package location

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"shiftgate/internal/attendance/models"
	"shiftgate/internal/platform/sqlite"
	"shiftgate/pkg/platform/sentinel"
)

type locationStore interface {
	FindByID(ctx context.Context, id string) (*models.Location, error)
	FindByIDs(ctx context.Context, ids []string) (map[string]*models.Location, error)
	List(ctx context.Context) ([]*models.Location, error)
	Upsert(ctx context.Context, l models.Location) error
}

var (
	hq        = models.Location{ID: "hq", Name: "Head Office", Latitude: -6.2088, Longitude: 106.8456}
	warehouse = models.Location{ID: "wh-1", Name: "Bekasi Warehouse", Latitude: -6.2383, Longitude: 106.9756}
)

type LocationStoreSuite struct {
	suite.Suite
	newStore func(t *testing.T) locationStore
	store    locationStore
	ctx      context.Context
}

func (s *LocationStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
	s.Require().NoError(s.store.Upsert(s.ctx, hq))
	s.Require().NoError(s.store.Upsert(s.ctx, warehouse))
}

func (s *LocationStoreSuite) TestFindByID() {
	l, err := s.store.FindByID(s.ctx, "hq")
	s.Require().NoError(err)
	s.Equal(hq, *l)

	_, err = s.store.FindByID(s.ctx, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *LocationStoreSuite) TestFindByIDs() {
	found, err := s.store.FindByIDs(s.ctx, []string{"hq", "wh-1", "missing"})
	s.Require().NoError(err)
	s.Len(found, 2)
	s.Equal(warehouse.Name, found["wh-1"].Name)

	empty, err := s.store.FindByIDs(s.ctx, nil)
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *LocationStoreSuite) TestListSortedByName() {
	list, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(list, 2)
	s.Equal("wh-1", list[0].ID)
	s.Equal("hq", list[1].ID)
}

func (s *LocationStoreSuite) TestUpsertReplaces() {
	moved := hq
	moved.Latitude = -6.3
	s.Require().NoError(s.store.Upsert(s.ctx, moved))

	l, err := s.store.FindByID(s.ctx, "hq")
	s.Require().NoError(err)
	s.Equal(-6.3, l.Latitude)
}

func TestInMemoryLocationStore(t *testing.T) {
	suite.Run(t, &LocationStoreSuite{
		newStore: func(*testing.T) locationStore { return NewInMemoryStore() },
	})
}

func TestSQLiteLocationStore(t *testing.T) {
	suite.Run(t, &LocationStoreSuite{
		newStore: func(t *testing.T) locationStore {
			db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "loc.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = db.Close() })
			return NewSQLite(db)
		},
	})
}
