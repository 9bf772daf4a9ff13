package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetalert/internal/config"
	"fleetalert/internal/logger"
	"fleetalert/internal/telemetry"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"
)

const maxSampleHits = 10000

// Client indexes the alert audit trail and reads telemetry samples.
type Client struct {
	es     *elasticsearch.Client
	config config.ElasticsearchConfig
}

// NewClient returns nil, nil when Elasticsearch is disabled.
func NewClient(cfg config.ElasticsearchConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	res, err := es.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.String())
	}

	logger.Info("Elasticsearch client initialized", zap.Strings("addresses", cfg.Addresses))
	return &Client{es: es, config: cfg}, nil
}

func (c *Client) alertIndex(t time.Time) string {
	return fmt.Sprintf("%s-%s", c.config.AlertIndexPrefix, t.UTC().Format("2006.01.02"))
}

// WriteAlertLog indexes one alert transition into the daily alert index.
func (c *Client) WriteAlertLog(ctx context.Context, entry *logger.AlertLogEntry) error {
	if c == nil || c.es == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal alert log entry: %w", err)
	}

	index := c.alertIndex(entry.Timestamp)
	req := esapi.IndexRequest{
		Index: index,
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("failed to index alert log: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch indexing error: %s", res.String())
	}

	logger.Debug("Alert log indexed",
		zap.String("index", index),
		zap.Uint("alert_id", entry.AlertID),
		zap.String("transition", entry.Transition))
	return nil
}

// SearchAlertLogs queries the alert indices, newest first.
func (c *Client) SearchAlertLogs(ctx context.Context, q *logger.AlertLogQuery) (*logger.AlertLogResult, error) {
	if c == nil || c.es == nil {
		return &logger.AlertLogResult{Logs: []*logger.AlertLogEntry{}}, nil
	}

	must := []map[string]interface{}{}
	if q.TenantID != "" {
		must = append(must, term("tenant_id", q.TenantID))
	}
	if q.AlertID != nil {
		must = append(must, term("alert_id", *q.AlertID))
	}
	if q.StartTime != nil || q.EndTime != nil {
		rng := map[string]interface{}{}
		if q.StartTime != nil {
			rng["gte"] = q.StartTime.UTC().Format(time.RFC3339)
		}
		if q.EndTime != nil {
			rng["lte"] = q.EndTime.UTC().Format(time.RFC3339)
		}
		must = append(must, map[string]interface{}{"range": map[string]interface{}{"@timestamp": rng}})
	}

	size := q.Limit
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}

	search := map[string]interface{}{
		"query": map[string]interface{}{"bool": map[string]interface{}{"must": must}},
		"size":  size,
		"from":  q.Offset,
		"sort": []map[string]interface{}{
			{"@timestamp": map[string]interface{}{"order": "desc"}},
		},
	}

	var response struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source logger.AlertLogEntry `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := c.search(ctx, c.config.AlertIndexPrefix+"-*", search, &response); err != nil {
		return nil, err
	}

	result := &logger.AlertLogResult{
		Total: response.Hits.Total.Value,
		Logs:  make([]*logger.AlertLogEntry, 0, len(response.Hits.Hits)),
	}
	for i := range response.Hits.Hits {
		result.Logs = append(result.Logs, &response.Hits.Hits[i].Source)
	}
	return result, nil
}

type sampleDoc struct {
	Timestamp time.Time `json:"@timestamp"`
	Value     float64   `json:"value"`
}

// ReadSamples reads one device metric from the telemetry index, oldest first.
// The search sorts newest first so the hit cap drops the oldest samples.
func (c *Client) ReadSamples(ctx context.Context, tenantID, deviceID, metric string, since time.Time) ([]telemetry.Sample, error) {
	search := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []map[string]interface{}{
					term("tenant_id", tenantID),
					term("device_id", deviceID),
					term("metric", metric),
					{"range": map[string]interface{}{
						"@timestamp": map[string]interface{}{"gte": since.UTC().Format(time.RFC3339Nano)},
					}},
				},
			},
		},
		"size":    maxSampleHits,
		"_source": []string{"@timestamp", "value"},
		"sort": []map[string]interface{}{
			{"@timestamp": map[string]interface{}{"order": "desc"}},
		},
	}

	var response struct {
		Hits struct {
			Hits []struct {
				Source sampleDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := c.search(ctx, c.config.TelemetryIndex, search, &response); err != nil {
		return nil, err
	}

	hits := response.Hits.Hits
	out := make([]telemetry.Sample, len(hits))
	for i, h := range hits {
		out[len(hits)-1-i] = telemetry.Sample{Timestamp: h.Source.Timestamp, Value: h.Source.Value}
	}
	return out, nil
}

func (c *Client) search(ctx context.Context, index string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal search query: %w", err)
	}

	req := esapi.SearchRequest{
		Index: []string{index},
		Body:  bytes.NewReader(data),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("failed to search %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch search error: %s", res.String())
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse search response: %w", err)
	}
	return nil
}

// CreateIndexTemplate installs the mapping for the alert indices.
func (c *Client) CreateIndexTemplate(ctx context.Context) error {
	if c == nil || c.es == nil {
		return nil
	}

	name := fmt.Sprintf("%s-template", c.config.AlertIndexPrefix)
	keyword := map[string]string{"type": "keyword"}
	template := map[string]interface{}{
		"index_patterns": []string{c.config.AlertIndexPrefix + "-*"},
		"template": map[string]interface{}{
			"settings": map[string]interface{}{
				"number_of_shards":   1,
				"number_of_replicas": 1,
				"refresh_interval":   "5s",
			},
			"mappings": map[string]interface{}{
				"properties": map[string]interface{}{
					"@timestamp":       map[string]string{"type": "date"},
					"tenant_id":        keyword,
					"alert_id":         map[string]string{"type": "long"},
					"fingerprint":      keyword,
					"rule_id":          map[string]string{"type": "long"},
					"device_id":        keyword,
					"metric":           keyword,
					"transition":       keyword,
					"status":           keyword,
					"severity":         map[string]string{"type": "integer"},
					"value":            map[string]string{"type": "double"},
					"trigger_count":    map[string]string{"type": "integer"},
					"escalation_level": map[string]string{"type": "integer"},
					"actor":            keyword,
					"message":          map[string]string{"type": "text"},
				},
			},
		},
	}

	body, err := json.Marshal(template)
	if err != nil {
		return fmt.Errorf("failed to marshal index template: %w", err)
	}

	req := esapi.IndicesPutIndexTemplateRequest{
		Name: name,
		Body: bytes.NewReader(body),
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return fmt.Errorf("failed to create index template: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		logger.Warn("Failed to create index template", zap.String("template", name), zap.String("response", res.String()))
	} else {
		logger.Info("Index template created", zap.String("template", name))
	}
	return nil
}

func term(field string, value interface{}) map[string]interface{} {
	return map[string]interface{}{"term": map[string]interface{}{field: value}}
}
