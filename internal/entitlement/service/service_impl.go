package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/entitlement/domain"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  domain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("entitlement.service"),
		repo:  p.Repo,
		clock: clk,
	}
}

func (s *Service) WithTx(tx *gorm.DB) domain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

// Grant turns the flag on. Granting twice keeps the original grant time and
// source order.
func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (domain.Status, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return domain.Status{}, domain.ErrInvalidAccount
	}
	flag := strings.TrimSpace(req.Flag)
	if flag == "" {
		flag = domain.FlagAdFree
	}
	if strings.TrimSpace(req.SourceOrderID) == "" {
		return domain.Status{}, domain.ErrInvalidGrant
	}

	inserted, err := s.repo.Insert(ctx, s.db, domain.Entitlement{
		AccountID:     accountID,
		Flag:          flag,
		Granted:       true,
		PlanID:        strings.TrimSpace(req.PlanID),
		SourceOrderID: strings.TrimSpace(req.SourceOrderID),
		GrantedAt:     s.clock.Now(),
	})
	if err != nil {
		return domain.Status{}, err
	}
	if inserted {
		obslogger.WithContext(ctx, s.log).Info("entitlement granted",
			zap.String("account_id", accountID),
			zap.String("flag", flag),
			zap.String("order_id", req.SourceOrderID),
		)
	}
	return s.Status(ctx, accountID)
}

func (s *Service) Status(ctx context.Context, accountID string) (domain.Status, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Status{}, domain.ErrInvalidAccount
	}

	e, err := s.repo.Find(ctx, s.db, accountID, domain.FlagAdFree)
	if err != nil {
		return domain.Status{}, err
	}
	status := domain.Status{AccountID: accountID}
	if e == nil || !e.Granted {
		return status, nil
	}
	grantedAt := e.GrantedAt.UTC()
	status.AdFree = true
	status.PlanID = e.PlanID
	status.SourceOrderID = e.SourceOrderID
	status.GrantedAt = &grantedAt
	return status, nil
}
