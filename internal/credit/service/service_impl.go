package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/admin"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/credit/domain"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	dbutil "github.com/smallbiznis/creditledger/pkg/db"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxErrorMessage = 500

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Admin      admin.Policy
	Cfg        config.Config       `optional:"true"`
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	admin      admin.Policy
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
	starting   int64
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	starting := p.Cfg.Credits.StartingCredits
	if starting <= 0 {
		starting = domain.DefaultStartingCredits
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		admin:      p.Admin,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
		starting:   starting,
	}
}

func (s *Service) WithTx(tx *gorm.DB) domain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) GetBalance(ctx context.Context, accountID, email string) (domain.Balance, error) {
	accountID = strings.TrimSpace(accountID)
	if s.isAdmin(email) {
		return domain.Balance{
			AccountID: accountID,
			Total:     admin.Unlimited,
			Remaining: admin.Unlimited,
			Unlimited: true,
		}, nil
	}
	if accountID == "" {
		return domain.Balance{}, domain.ErrInvalidAccount
	}

	account, err := s.repo.FindAccount(ctx, s.db, accountID)
	if err != nil {
		return domain.Balance{}, err
	}
	if account == nil {
		return domain.Balance{}, domain.ErrNotInitialized
	}
	return toBalance(account), nil
}

func (s *Service) Initialize(ctx context.Context, accountID, email string, startingCredits int64) (domain.InitResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return 0, domain.ErrInvalidAccount
	}
	if startingCredits < 0 {
		startingCredits = s.starting
	}

	now := s.clock.Now()
	inserted, err := s.repo.InsertAccount(ctx, s.db, domain.Account{
		AccountID:        accountID,
		Email:            strings.ToLower(strings.TrimSpace(email)),
		TotalCredits:     startingCredits,
		RemainingCredits: startingCredits,
		FreeCredits:      startingCredits,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return 0, err
	}
	if !inserted {
		return domain.AlreadyInitialized, nil
	}

	obslogger.WithContext(ctx, s.log).Info("credits initialized",
		zap.String("account_id", accountID),
		zap.Int64("credits", startingCredits),
	)
	return domain.Initialized, nil
}

// Deduct charges amount for one tool invocation. The balance check and the
// decrement are one conditional statement, so concurrent deductions can never
// overspend.
func (s *Service) Deduct(ctx context.Context, req domain.DeductRequest) (domain.DeductResult, error) {
	accountID := strings.TrimSpace(req.AccountID)
	tool := strings.ToLower(strings.TrimSpace(req.Tool))
	switch {
	case accountID == "":
		return domain.DeductResult{}, domain.ErrInvalidAccount
	case tool == "":
		return domain.DeductResult{}, domain.ErrInvalidTool
	case req.Amount < 0:
		return domain.DeductResult{}, domain.ErrInvalidAmount
	}

	now := s.clock.Now()
	record := domain.UsageRecord{
		ID:              s.genID.Generate(),
		AccountID:       accountID,
		ToolName:        tool,
		CreditsConsumed: req.Amount,
		Status:          domain.UsageStatusSuccess,
		CreatedAt:       now,
	}

	if s.isAdmin(req.Email) {
		record.CreditsConsumed = 0
		if err := s.repo.InsertUsage(ctx, s.db, record); err != nil {
			return domain.DeductResult{}, err
		}
		s.obsMetrics.RecordDeduction(ctx, tool, "admin", 0)
		return domain.DeductResult{
			UsageID:   record.ID.String(),
			Remaining: admin.Unlimited,
			Unlimited: true,
		}, nil
	}

	var remaining int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.DebitIfSufficient(ctx, tx, accountID, req.Amount, now)
		if err != nil {
			return err
		}

		account, err := s.repo.FindAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return domain.ErrUnknownAccount
		}
		if !ok {
			return &domain.InsufficientCreditsError{
				Remaining: account.RemainingCredits,
				Required:  req.Amount,
			}
		}
		remaining = account.RemainingCredits

		return s.repo.InsertUsage(ctx, tx, record)
	})
	if err != nil {
		var insufficient *domain.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			s.obsMetrics.RecordDeduction(ctx, tool, "insufficient", 0)
			return domain.DeductResult{Remaining: insufficient.Remaining}, err
		}
		s.obsMetrics.RecordDeduction(ctx, tool, "error", 0)
		return domain.DeductResult{}, err
	}

	s.obsMetrics.RecordDeduction(ctx, tool, "success", req.Amount)
	return domain.DeductResult{
		UsageID:   record.ID.String(),
		Charged:   req.Amount,
		Remaining: remaining,
	}, nil
}

func (s *Service) Add(ctx context.Context, accountID string, amount int64) (domain.Balance, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Balance{}, domain.ErrInvalidAccount
	}
	if amount <= 0 {
		return domain.Balance{}, domain.ErrInvalidAmount
	}

	var balance domain.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.Credit(ctx, tx, accountID, amount, s.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrUnknownAccount
		}
		account, err := s.repo.FindAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return domain.ErrUnknownAccount
		}
		balance = toBalance(account)
		return nil
	})
	if err != nil {
		return domain.Balance{}, err
	}

	obslogger.WithContext(ctx, s.log).Info("credits added",
		zap.String("account_id", accountID),
		zap.Int64("credits_added", amount),
		zap.Int64("remaining_credits", balance.Remaining),
	)
	return balance, nil
}

// LogFailedUsage records a tool invocation that errored after being admitted.
// No credits are taken.
func (s *Service) LogFailedUsage(ctx context.Context, accountID, tool, message string) error {
	accountID = strings.TrimSpace(accountID)
	tool = strings.ToLower(strings.TrimSpace(tool))
	if accountID == "" {
		return domain.ErrInvalidAccount
	}
	if tool == "" {
		return domain.ErrInvalidTool
	}

	msg := dbutil.TruncateText(strings.TrimSpace(message), maxErrorMessage)
	s.obsMetrics.RecordDeduction(ctx, tool, "failed", 0)
	return s.repo.InsertUsage(ctx, s.db, domain.UsageRecord{
		ID:           s.genID.Generate(),
		AccountID:    accountID,
		ToolName:     tool,
		Status:       domain.UsageStatusFailed,
		ErrorMessage: &msg,
		CreatedAt:    s.clock.Now(),
	})
}

func (s *Service) ListUsage(ctx context.Context, req domain.ListUsageRequest) (domain.ListUsageResponse, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return domain.ListUsageResponse{}, domain.ErrInvalidAccount
	}

	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListUsageResponse{}, err
	}
	var beforeID int64
	if cursor != nil {
		beforeID, err = strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return domain.ListUsageResponse{}, pagination.ErrInvalidPageToken
		}
	}

	limit := req.Size()
	records, err := s.repo.ListUsage(ctx, s.db, accountID, beforeID, limit+1)
	if err != nil {
		return domain.ListUsageResponse{}, err
	}
	records, pageInfo := pagination.Trim(records, limit, func(r domain.UsageRecord) pagination.Cursor {
		return pagination.Cursor{ID: r.ID.String()}
	})

	usage := make([]domain.UsageResponse, 0, len(records))
	for _, r := range records {
		item := domain.UsageResponse{
			ID:              r.ID.String(),
			ToolName:        r.ToolName,
			CreditsConsumed: r.CreditsConsumed,
			Status:          string(r.Status),
			CreatedAt:       r.CreatedAt.UTC(),
		}
		if r.ErrorMessage != nil {
			item.ErrorMessage = *r.ErrorMessage
		}
		usage = append(usage, item)
	}
	return domain.ListUsageResponse{Usage: usage, PageInfo: pageInfo}, nil
}

func (s *Service) isAdmin(email string) bool {
	return s.admin != nil && s.admin.IsAdmin(email)
}

func toBalance(account *domain.Account) domain.Balance {
	return domain.Balance{
		AccountID: account.AccountID,
		Total:     account.TotalCredits,
		Remaining: account.RemainingCredits,
		Free:      account.FreeCredits,
	}
}
