package service

import (
	"context"
	"time"

	"RaceStatsSync/internal/apperrors"
	"RaceStatsSync/internal/repository"

	"github.com/sirupsen/logrus"
)

// LinkSummary 血统实体 → 马匹关联结果
type LinkSummary struct {
	Candidates    int `json:"candidates"`
	Linked        int `json:"linked"`
	Ambiguous     int `json:"ambiguous"`
	Unmatched     int `json:"unmatched"`
	AlreadyLinked int `json:"already_linked"`
}

// LinkingService 为未关联的种马/母马/外祖父按名称解析出对应的马匹，只写一次
type LinkingService struct {
	entityRepo   repository.EntityRepository
	queryTimeout time.Duration
	logger       *logrus.Logger
}

func NewLinkingService(entityRepo repository.EntityRepository, queryTimeout time.Duration, logger *logrus.Logger) *LinkingService {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &LinkingService{entityRepo: entityRepo, queryTimeout: queryTimeout, logger: logger}
}

// Run 单个实体解析失败不影响其它实体；存储不可达为运行级错误
func (s *LinkingService) Run(ctx context.Context, dryRun bool) (*LinkSummary, error) {
	qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	horses, err := s.entityRepo.ListHorseNames(qctx)
	cancel()
	if err != nil {
		return nil, apperrors.Integrity("load horse names", err)
	}
	resolver := NewNameResolver(horses)

	qctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
	breeding, err := s.entityRepo.ListBreeding(qctx, true)
	cancel()
	if err != nil {
		return nil, apperrors.Integrity("load unlinked breeding entities", err)
	}

	summary := &LinkSummary{Candidates: len(breeding)}
	for _, e := range breeding {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		region := ""
		if e.Region != nil {
			region = *e.Region
		}
		res := resolver.ResolveDetailed(e.Name, region)
		entry := s.logger.WithFields(logrus.Fields{"entity": e.Key().String(), "name": e.Name, "region": region})
		switch {
		case res.Ambiguous():
			summary.Ambiguous++
			entry.WithError(apperrors.ErrAmbiguous).WithField("candidates", res.Candidates).Info("名称有多个候选马匹，不做关联")
			continue
		case !res.Resolved():
			summary.Unmatched++
			continue
		}

		if dryRun {
			summary.Linked++
			continue
		}
		qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		ok, err := s.entityRepo.SetLinkedHorse(qctx, e.Key(), res.HorseID)
		cancel()
		if err != nil {
			return summary, apperrors.Integrity("set linked horse of "+e.Key().String(), err)
		}
		if !ok {
			summary.AlreadyLinked++
			continue
		}
		summary.Linked++
		entry.WithFields(logrus.Fields{"horse_id": res.HorseID, "by_region": res.ByRegion}).Debug("血统实体已关联马匹")
	}

	s.logger.WithFields(logrus.Fields{
		"indexed_names": resolver.Size(),
		"candidates":    summary.Candidates,
		"linked":        summary.Linked,
		"ambiguous":     summary.Ambiguous,
		"unmatched":     summary.Unmatched,
		"dry_run":       dryRun,
	}).Info("血统关联完成")
	return summary, nil
}
