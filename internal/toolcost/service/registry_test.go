package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/toolcost/domain"
	"github.com/smallbiznis/creditledger/internal/toolcost/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) ListAll(ctx context.Context, db *gorm.DB) ([]domain.ToolConfig, error) {
	args := m.Called(ctx, db)
	tools, _ := args.Get(0).([]domain.ToolConfig)
	return tools, args.Error(1)
}

func (m *MockRepository) Upsert(ctx context.Context, db *gorm.DB, tool domain.ToolConfig) error {
	args := m.Called(ctx, db, tool)
	return args.Error(0)
}

func newRegistry(repo domain.Repository, clk clock.Clock) *service.Registry {
	return service.NewRegistry(service.Params{
		Log:     zap.NewNop(),
		Repo:    repo,
		Catalog: config.NewStaticCatalogHolder(config.DefaultCatalog()),
		Cfg:     config.Config{ToolCost: config.ToolCostConfig{CacheTTL: time.Minute}},
		Clock:   clk,
	})
}

var priceList = []domain.ToolConfig{
	{ToolName: "upscale", CreditCost: 8, IsActive: true},
	{ToolName: "resize", CreditCost: 0, IsActive: true},
	{ToolName: "legacy", CreditCost: 4, IsActive: false},
}

func TestCostServesSnapshotUntilTTL(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Now())
	repo := new(MockRepository)
	repo.On("ListAll", mock.Anything, mock.Anything).Return(priceList, nil)

	r := newRegistry(repo, clk)

	assert.Equal(t, int64(8), r.Cost(ctx, "upscale"))
	assert.Equal(t, int64(8), r.Cost(ctx, " UPSCALE "))
	assert.Equal(t, int64(0), r.Cost(ctx, "resize"))
	repo.AssertNumberOfCalls(t, "ListAll", 1)

	clk.Advance(time.Minute + time.Second)
	assert.Equal(t, int64(8), r.Cost(ctx, "upscale"))
	repo.AssertNumberOfCalls(t, "ListAll", 2)
}

func TestCostDefaultsToOneForUnknownTool(t *testing.T) {
	repo := new(MockRepository)
	repo.On("ListAll", mock.Anything, mock.Anything).Return(priceList, nil)

	r := newRegistry(repo, clock.NewFakeClock(time.Now()))
	assert.Equal(t, domain.DefaultCost, r.Cost(context.Background(), "teleport"))
	assert.True(t, r.IsAvailable(context.Background(), "teleport"))
	assert.True(t, r.IsAvailable(context.Background(), "upscale"))
}

func TestDeactivatedToolIsUnavailable(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRepository)
	repo.On("ListAll", mock.Anything, mock.Anything).Return(priceList, nil)

	r := newRegistry(repo, clock.NewFakeClock(time.Now()))
	assert.False(t, r.IsAvailable(ctx, "legacy"))
	assert.False(t, r.IsAvailable(ctx, " Legacy "))

	_, ok := r.Info(ctx, "legacy")
	assert.False(t, ok)

	tools, err := r.List(ctx)
	assert.NoError(t, err)
	assert.Len(t, tools, 2)
	for _, tool := range tools {
		assert.NotEqual(t, "legacy", tool.ToolName)
	}
}

func TestCostFallsBackWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Now())
	repo := new(MockRepository)
	repo.On("ListAll", mock.Anything, mock.Anything).Return(priceList, nil).Once()
	repo.On("ListAll", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	r := newRegistry(repo, clk)
	assert.Equal(t, int64(8), r.Cost(ctx, "upscale"))

	clk.Advance(2 * time.Minute)
	// stale snapshot wins over the default while the store is down
	assert.Equal(t, int64(8), r.Cost(ctx, "upscale"))

	cold := newRegistry(repo, clk)
	assert.Equal(t, domain.DefaultCost, cold.Cost(ctx, "upscale"))
}

func TestRefreshAndInvalidateReload(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRepository)
	repo.On("ListAll", mock.Anything, mock.Anything).Return(priceList, nil)

	r := newRegistry(repo, clock.NewFakeClock(time.Now()))
	_ = r.Cost(ctx, "upscale")
	assert.NoError(t, r.Refresh(ctx))
	repo.AssertNumberOfCalls(t, "ListAll", 2)

	r.Invalidate()
	_ = r.Cost(ctx, "upscale")
	repo.AssertNumberOfCalls(t, "ListAll", 3)
}

func TestUpsertValidatesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	repo := new(MockRepository)
	repo.On("ListAll", mock.Anything, mock.Anything).Return(priceList, nil)
	repo.On("Upsert", mock.Anything, mock.Anything, mock.MatchedBy(func(tool domain.ToolConfig) bool {
		return tool.ToolName == "crop" && tool.CreditCost == 1
	})).Return(nil)

	r := newRegistry(repo, clock.NewFakeClock(time.Now()))
	_ = r.Cost(ctx, "upscale")

	assert.ErrorIs(t, r.Upsert(ctx, domain.ToolConfig{ToolName: " ", CreditCost: 1}), domain.ErrInvalidTool)
	assert.ErrorIs(t, r.Upsert(ctx, domain.ToolConfig{ToolName: "crop", CreditCost: -1}), domain.ErrInvalidTool)
	assert.NoError(t, r.Upsert(ctx, domain.ToolConfig{ToolName: "Crop", CreditCost: 1, IsActive: true}))

	_ = r.Cost(ctx, "upscale")
	repo.AssertNumberOfCalls(t, "ListAll", 2)
}

func TestIsFreeForGuests(t *testing.T) {
	r := newRegistry(new(MockRepository), clock.NewFakeClock(time.Now()))
	assert.True(t, r.IsFreeForGuests("resize"))
	assert.True(t, r.IsFreeForGuests("Convert"))
	assert.False(t, r.IsFreeForGuests("upscale"))
}
