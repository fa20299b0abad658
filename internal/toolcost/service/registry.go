package service

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/creditledger/internal/cache"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/toolcost/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const snapshotKey = "tools"

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    domain.Repository
	Catalog *config.CatalogHolder
	Cfg     config.Config
	Clock   clock.Clock `optional:"true"`
}

// snapshot holds every configured tool, deactivated ones included.
type snapshot map[string]domain.ToolConfig

type Registry struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    domain.Repository
	catalog *config.CatalogHolder
	ttl     time.Duration
	now     func() time.Time

	cache cache.Cache[string, snapshot]
	// last successfully loaded snapshot, served when the store is unreachable
	last  atomic.Pointer[snapshot]
	group singleflight.Group
}

func NewRegistry(p Params) *Registry {
	ttl := p.Cfg.ToolCost.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := time.Now
	if p.Clock != nil {
		now = p.Clock.Now
	}
	return &Registry{
		db:      p.DB,
		log:     p.Log.Named("toolcost.registry"),
		repo:    p.Repo,
		catalog: p.Catalog,
		ttl:     ttl,
		now:     now,
		cache:   cache.NewTTLCacheWithClock[string, snapshot](now),
	}
}

func (r *Registry) Cost(ctx context.Context, tool string) int64 {
	info, ok := r.Info(ctx, tool)
	if !ok {
		return domain.DefaultCost
	}
	return info.CreditCost
}

func (r *Registry) Info(ctx context.Context, tool string) (domain.ToolConfig, bool) {
	snap := r.current(ctx)
	info, ok := snap[normalize(tool)]
	if !ok || !info.IsActive {
		return domain.ToolConfig{}, false
	}
	return info, true
}

func (r *Registry) List(ctx context.Context) ([]domain.ToolConfig, error) {
	snap, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	tools := make([]domain.ToolConfig, 0, len(snap))
	for _, tool := range snap {
		if tool.IsActive {
			tools = append(tools, tool)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ToolName < tools[j].ToolName })
	return tools, nil
}

// IsAvailable is false only for a tool an operator deactivated. Unknown tools
// stay available at the default cost.
func (r *Registry) IsAvailable(ctx context.Context, tool string) bool {
	info, ok := r.current(ctx)[normalize(tool)]
	return !ok || info.IsActive
}

func (r *Registry) IsFreeForGuests(tool string) bool {
	tool = normalize(tool)
	if tool == "" || r.catalog == nil {
		return false
	}
	for _, free := range r.catalog.Get().FreeTools {
		if free == tool {
			return true
		}
	}
	return false
}

func (r *Registry) Upsert(ctx context.Context, tool domain.ToolConfig) error {
	tool.ToolName = normalize(tool.ToolName)
	if tool.ToolName == "" || tool.CreditCost < 0 {
		return domain.ErrInvalidTool
	}
	tool.UpdatedAt = r.now().UTC()
	if err := r.repo.Upsert(ctx, r.db, tool); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

// Refresh reloads the price list immediately.
func (r *Registry) Refresh(ctx context.Context) error {
	r.cache.Delete(snapshotKey)
	_, err := r.load(ctx)
	return err
}

// Invalidate drops the snapshot; the next lookup reloads it.
func (r *Registry) Invalidate() {
	r.cache.Delete(snapshotKey)
}

func (r *Registry) current(ctx context.Context) snapshot {
	snap, err := r.load(ctx)
	if err == nil {
		return snap
	}
	if last := r.last.Load(); last != nil {
		r.log.Warn("tool cost reload failed, serving stale snapshot", zap.Error(err))
		return *last
	}
	r.log.Error("tool cost lookup failed, using default cost", zap.Error(err))
	return nil
}

func (r *Registry) load(ctx context.Context) (snapshot, error) {
	if snap, ok := r.cache.Get(snapshotKey); ok {
		return snap, nil
	}

	v, err, _ := r.group.Do(snapshotKey, func() (interface{}, error) {
		tools, err := r.repo.ListAll(ctx, r.db)
		if err != nil {
			return nil, err
		}
		snap := make(snapshot, len(tools))
		for _, tool := range tools {
			snap[normalize(tool.ToolName)] = tool
		}
		r.cache.Set(snapshotKey, snap, r.ttl)
		r.last.Store(&snap)
		r.log.Debug("tool cost snapshot loaded", zap.Int("tools", len(snap)))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(snapshot), nil
}

func normalize(tool string) string {
	return strings.ToLower(strings.TrimSpace(tool))
}

var _ domain.Registry = (*Registry)(nil)
