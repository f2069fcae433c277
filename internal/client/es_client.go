package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"attack-feed/internal/config"
	"attack-feed/internal/model"
)

var ErrElasticsearch = errors.New("elasticsearch request failed")

// searchFields are the only source fields the feed reads.
var searchFields = []string{
	"@timestamp",
	"source.ip",
	"source.geo.location",
	"destination.ip",
	"destination.geo.location",
	"event.type",
}

const (
	searchTimeout   = "30s"
	attackTypeField = "event.type.keyword"
	attackTypeSize  = 10
)

type ESClient struct {
	Client  *elasticsearch.Client
	index   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewElasticsearchClient builds a client for cfg. It does not contact the cluster; call
// HealthCheck for that.
func NewElasticsearchClient(cfg config.ElasticsearchConfig, logger *zap.Logger) (*ESClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureTLS}, //nolint:gosec // self-signed clusters
	}

	var addresses []string
	for _, addr := range strings.Split(cfg.URL, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			addresses = append(addresses, addr)
		}
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	logger.Info("Elasticsearch client initialized",
		zap.Strings("addresses", addresses),
		zap.String("index", cfg.Index),
		zap.Bool("insecure_tls", cfg.InsecureTLS),
	)

	return &ESClient{
		Client:  client,
		index:   cfg.Index,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Index is the configured default index pattern.
func (e *ESClient) Index() string { return e.index }

func (e *ESClient) Close() {
	e.logger.Info("Elasticsearch client shutdown")
}

func (e *ESClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *ESClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	res, err := e.Client.Info(e.Client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: failed to get cluster info: %w", ErrElasticsearch, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("%w: %s", ErrElasticsearch, res.String())
	}

	e.logger.Debug("Elasticsearch health check passed")
	return nil
}

// -------------------- RESPONSE SHAPES --------------------

// totalHits accepts both the object form and the bare number older clusters return.
type totalHits int64

func (t *totalHits) UnmarshalJSON(b []byte) error {
	var obj struct {
		Value int64 `json:"value"`
	}
	if err := json.Unmarshal(b, &obj); err == nil {
		*t = totalHits(obj.Value)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = totalHits(n)
	return nil
}

type shardInfo struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type aggBucket struct {
	Key         json.RawMessage `json:"key"`
	KeyAsString string          `json:"key_as_string"`
	DocCount    int64           `json:"doc_count"`
}

func (b aggBucket) key() string {
	if b.KeyAsString != "" {
		return b.KeyAsString
	}
	var s string
	if err := json.Unmarshal(b.Key, &s); err == nil {
		return s
	}
	return string(b.Key)
}

type bucketAgg struct {
	Buckets []aggBucket `json:"buckets"`
}

type searchResponse struct {
	Took     int       `json:"took"`
	TimedOut bool      `json:"timed_out"`
	Shards   shardInfo `json:"_shards"`
	Hits     struct {
		Total    totalHits         `json:"total"`
		MaxScore *float64          `json:"max_score"`
		Hits     []model.RawRecord `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]bucketAgg `json:"aggregations"`
}

func (r *searchResponse) buckets(name string) []model.Bucket {
	agg, ok := r.Aggregations[name]
	if !ok {
		return []model.Bucket{}
	}
	out := make([]model.Bucket, 0, len(agg.Buckets))
	for _, b := range agg.Buckets {
		out = append(out, model.Bucket{Key: b.key(), DocCount: b.DocCount})
	}
	return out
}

func (r *searchResponse) analysis() model.HitsAnalysis {
	maxScore := 0.0
	if r.Hits.MaxScore != nil {
		maxScore = *r.Hits.MaxScore
	}
	return model.Analyze(
		int64(r.Hits.Total),
		len(r.Hits.Hits),
		maxScore,
		r.Shards.Successful == r.Shards.Total,
		r.TimedOut,
	)
}

// -------------------- QUERIES --------------------

func timeRange(since, until time.Time) map[string]interface{} {
	bounds := map[string]interface{}{
		"gte":    since.UnixMilli(),
		"format": "epoch_millis",
	}
	if !until.IsZero() {
		bounds["lte"] = until.UnixMilli()
	}
	return map[string]interface{}{
		"range": map[string]interface{}{"@timestamp": bounds},
	}
}

func (e *ESClient) search(ctx context.Context, index string, query map[string]interface{}) (*searchResponse, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("error encoding query: %w", err)
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	res, err := e.Client.Search(
		e.Client.Search.WithContext(ctx),
		e.Client.Search.WithIndex(index),
		e.Client.Search.WithBody(&buf),
		e.Client.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: error executing search: %w", ErrElasticsearch, err)
	}

	var out searchResponse
	if err := e.ParseResponse(res, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search returns the records in [since, until] on @timestamp, oldest first.
func (e *ESClient) Search(ctx context.Context, index string, since, until time.Time, size int) ([]model.RawRecord, error) {
	query := map[string]interface{}{
		"query":   timeRange(since, until),
		"sort":    []interface{}{map[string]interface{}{"@timestamp": map[string]string{"order": "asc"}}},
		"_source": map[string]interface{}{"includes": searchFields},
		"size":    size,
		"timeout": searchTimeout,
	}

	res, err := e.search(ctx, index, query)
	if err != nil {
		return nil, err
	}
	e.logPerformance(res)
	return res.Hits.Hits, nil
}

func (e *ESClient) logPerformance(res *searchResponse) {
	e.logger.Debug("Search performance",
		zap.Int("took_ms", res.Took),
		zap.Int("shards_successful", res.Shards.Successful),
		zap.Int("shards_total", res.Shards.Total),
		zap.Int64("total_hits", int64(res.Hits.Total)),
		zap.Int("returned_hits", len(res.Hits.Hits)),
	)
	if int64(res.Hits.Total) > int64(len(res.Hits.Hits)) {
		e.logger.Info("Search returned a partial page",
			zap.Int("returned_hits", len(res.Hits.Hits)),
			zap.Int64("total_hits", int64(res.Hits.Total)),
		)
	}
	if res.TimedOut {
		e.logger.Warn("Elasticsearch query timed out",
			zap.Int("shards_successful", res.Shards.Successful),
			zap.Int("shards_total", res.Shards.Total),
		)
	}
	if res.Shards.Failed > 0 {
		e.logger.Warn("Elasticsearch shards failed", zap.Int("failed", res.Shards.Failed))
	}
}

// Aggregate counts the hits in [since, until] and buckets them by spec.Field.
func (e *ESClient) Aggregate(ctx context.Context, index string, since, until time.Time, spec model.AggSpec) (*model.TodayStats, error) {
	terms := map[string]interface{}{
		"field": spec.Field,
		"size":  spec.Size,
	}
	if spec.Missing != "" {
		terms["missing"] = spec.Missing
	}
	query := map[string]interface{}{
		"size":  0,
		"query": timeRange(since, until),
		"aggs": map[string]interface{}{
			"by_key": map[string]interface{}{"terms": terms},
		},
	}

	res, err := e.search(ctx, index, query)
	if err != nil {
		return nil, err
	}

	stats := &model.TodayStats{
		Total:     int64(res.Hits.Total),
		Countries: []model.CountryCount{},
	}
	for _, b := range res.buckets("by_key") {
		stats.Countries = append(stats.Countries, model.CountryCount{Country: b.Key, Count: b.DocCount})
	}
	return stats, nil
}

// AttackSummary analyzes the hits since the given time. A zero until leaves the
// window open-ended.
func (e *ESClient) AttackSummary(ctx context.Context, index string, since, until time.Time) (*model.AttackSummary, error) {
	query := map[string]interface{}{
		"size":  0,
		"query": timeRange(since, until),
		"aggs": map[string]interface{}{
			"attack_types": map[string]interface{}{
				"terms": map[string]interface{}{"field": attackTypeField, "size": attackTypeSize},
			},
			"hourly_attacks": map[string]interface{}{
				"date_histogram": map[string]interface{}{"field": "@timestamp", "calendar_interval": "hour"},
			},
		},
	}

	res, err := e.search(ctx, index, query)
	if err != nil {
		return nil, err
	}

	return &model.AttackSummary{
		HitsAnalysis:       res.analysis(),
		AttackTypes:        res.buckets("attack_types"),
		HourlyDistribution: res.buckets("hourly_attacks"),
	}, nil
}

func (e *ESClient) ClusterHealth(ctx context.Context) (*model.ClusterHealth, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	res, err := e.Client.Cluster.Health(e.Client.Cluster.Health.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: error getting cluster health: %w", ErrElasticsearch, err)
	}

	var health model.ClusterHealth
	if err := e.ParseResponse(res, &health); err != nil {
		return nil, err
	}

	e.logger.Debug("Cluster health",
		zap.String("status", health.Status),
		zap.Int("nodes", health.NumberOfNodes),
		zap.Int("active_shards", health.ActiveShards),
		zap.Int("unassigned_shards", health.UnassignedShards),
	)
	return &health, nil
}

type indexStatsResponse struct {
	Indices map[string]struct {
		Total struct {
			Docs struct {
				Count int64 `json:"count"`
			} `json:"docs"`
			Store struct {
				SizeInBytes int64 `json:"size_in_bytes"`
			} `json:"store"`
		} `json:"total"`
		Shards map[string]json.RawMessage `json:"shards"`
	} `json:"indices"`
}

// IndexStats sums document count, store size and shard count over every index
// matching index.
func (e *ESClient) IndexStats(ctx context.Context, index string) (*model.IndexStats, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	res, err := e.Client.Indices.Stats(
		e.Client.Indices.Stats.WithContext(ctx),
		e.Client.Indices.Stats.WithIndex(index),
		e.Client.Indices.Stats.WithLevel("shards"),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: error getting index stats: %w", ErrElasticsearch, err)
	}

	var raw indexStatsResponse
	if err := e.ParseResponse(res, &raw); err != nil {
		return nil, err
	}

	stats := &model.IndexStats{Index: index}
	for _, idx := range raw.Indices {
		stats.TotalDocs += idx.Total.Docs.Count
		stats.SizeBytes += idx.Total.Store.SizeInBytes
		stats.Shards += len(idx.Shards)
	}
	return stats, nil
}

// ParseResponse closes res and decodes its body into target. Error responses are
// returned wrapped in ErrElasticsearch.
func (e *ESClient) ParseResponse(res *esapi.Response, target interface{}) error {
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}

	if res.IsError() {
		var esErr struct {
			Error struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &esErr); err != nil || esErr.Error.Reason == "" {
			return fmt.Errorf("%w: [%s] %s", ErrElasticsearch, res.Status(), strconv.Quote(truncate(string(body), 256)))
		}
		return fmt.Errorf("%w: [%s] %s: %s", ErrElasticsearch, res.Status(), esErr.Error.Type, esErr.Error.Reason)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("error unmarshaling response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
