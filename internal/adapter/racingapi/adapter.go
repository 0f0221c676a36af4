package racingapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"RaceStatsSync/internal/adapter"
	"RaceStatsSync/internal/apperrors"
	"RaceStatsSync/internal/config"
	"RaceStatsSync/internal/interfaces"
	"RaceStatsSync/internal/model"
	"RaceStatsSync/internal/utils/httpclient"

	"github.com/sirupsen/logrus"
)

// ProviderName 配置 enrichment.provider 对应的名称
const ProviderName = "racingapi"

// maxErrorBody 错误响应最多读取的字节数
const maxErrorBody = 4 << 10

func init() {
	adapter.Register(ProviderName, NewRacingAPIAdapter)
}

type Adapter struct {
	cfg        *config.EnrichmentConfig
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewRacingAPIAdapter(cfg *config.EnrichmentConfig, logger *logrus.Logger) interfaces.EnrichmentSource {
	return &Adapter{
		cfg:        cfg,
		httpClient: httpclient.NewHTTPClient(cfg, logger),
		logger:     logger,
	}
}

func (a *Adapter) Name() string {
	return ProviderName
}

// GetDetails GET {base_url}/{kind}s/{id}
func (a *Adapter) GetDetails(ctx context.Context, kind model.EntityKind, id string) (*model.ExtendedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/%ss/%s", strings.TrimRight(a.cfg.BaseURL, "/"), kind, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if a.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.AuthToken)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.Transient(fmt.Errorf("请求%s失败: %w", endpoint, err))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			a.logger.WithError(err).Debug("关闭响应体失败")
		}
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", kind, id, apperrors.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &apperrors.RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode >= 500:
		return nil, apperrors.Transient(fmt.Errorf("%s 返回 %d: %s", endpoint, resp.StatusCode, readErrorBody(resp.Body)))
	default:
		return nil, fmt.Errorf("%s 返回 %d: %s", endpoint, resp.StatusCode, readErrorBody(resp.Body))
	}

	var body entityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, apperrors.Transient(fmt.Errorf("读取%s响应超时: %w", endpoint, err))
		}
		return nil, fmt.Errorf("解析%s响应失败: %w", endpoint, err)
	}
	return toRecord(kind, id, &body), nil
}

// toRecord 响应体 → 与协议无关的 ExtendedRecord
func toRecord(kind model.EntityKind, id string, body *entityResponse) *model.ExtendedRecord {
	rec := &model.ExtendedRecord{
		Kind:       kind,
		ID:         id,
		Name:       strings.TrimSpace(body.Name),
		Region:     strings.ToUpper(strings.TrimSpace(body.Region)),
		Attributes: make(map[string]any, len(body.Attributes)+3),
	}
	for k, v := range body.Attributes {
		rec.Attributes[k] = v
	}
	if body.Sex != "" {
		rec.Attributes["sex"] = body.Sex
	}
	if body.DateOfBirth != "" {
		rec.Attributes["dob"] = body.DateOfBirth
	}
	if body.Colour != "" {
		rec.Attributes["colour"] = body.Colour
	}

	sire, dam, damsire := toAncestor(body.Sire), toAncestor(body.Dam), toAncestor(body.Damsire)
	if sire != nil || dam != nil || damsire != nil {
		rec.Pedigree = &model.PedigreeNames{Sire: sire, Dam: dam, Damsire: damsire}
	}
	return rec
}

func toAncestor(a *ancestorResponse) *model.AncestorRef {
	if a == nil || (a.ID == "" && strings.TrimSpace(a.Name) == "") {
		return nil
	}
	return &model.AncestorRef{
		ID:     strings.TrimSpace(a.ID),
		Name:   strings.TrimSpace(a.Name),
		Region: strings.ToUpper(strings.TrimSpace(a.Region)),
	}
}

// parseRetryAfter 支持秒数与 HTTP 日期两种格式
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(data) == 0 {
		return "empty body"
	}
	var er errorResponse
	if json.Unmarshal(data, &er) == nil {
		if er.Message != "" {
			return er.Message
		}
		if er.Error != "" {
			return er.Error
		}
	}
	return strings.TrimSpace(string(data))
}
