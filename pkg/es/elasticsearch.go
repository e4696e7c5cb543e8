package es

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"

	"github.com/forcedotcom/Data-Migration-Tool/pkg/logger"
	"github.com/forcedotcom/Data-Migration-Tool/pkg/service"
)

// ElasticsearchClient represents an Elasticsearch client
type ElasticsearchClient struct {
	client      *elasticsearch.Client
	indexPrefix string
	log         *logger.Logger
}

// TLSConfig represents TLS configuration for Elasticsearch
type TLSConfig struct {
	Enabled                bool   // Enable TLS/HTTPS
	CACertPath             string // Path to CA certificate file
	SkipVerify             bool   // Skip server certificate verification
	CertificateFingerprint string // Certificate fingerprint for verification
	ConnectionTimeout      int    // Connection timeout in seconds
	ResponseTimeout        int    // Response timeout in seconds
}

// NewElasticsearchClient creates a new Elasticsearch client. Object types are
// stored in the index named indexPrefix followed by the lowercased type.
func NewElasticsearchClient(ctx context.Context, addresses []string, username, password, apiKey, indexPrefix string, tlsConfig *TLSConfig, log *logger.Logger) (*ElasticsearchClient, error) {
	cfg := elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
		APIKey:    apiKey,
	}

	// Log authentication method
	if apiKey != "" {
		log.Info("Using API key authentication for Elasticsearch")
	} else if username != "" && password != "" {
		log.Info("Using username/password authentication for Elasticsearch")
	} else {
		log.Info("No authentication provided for Elasticsearch")
	}

	// Configure timeouts
	connectionTimeout := 30 * time.Second
	responseTimeout := 60 * time.Second

	if tlsConfig != nil {
		if tlsConfig.ConnectionTimeout > 0 {
			connectionTimeout = time.Duration(tlsConfig.ConnectionTimeout) * time.Second
		}

		if tlsConfig.ResponseTimeout > 0 {
			responseTimeout = time.Duration(tlsConfig.ResponseTimeout) * time.Second
		}
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost:   10,
		ResponseHeaderTimeout: responseTimeout,
		DialContext:           (&net.Dialer{Timeout: connectionTimeout}).DialContext,
	}

	if tlsConfig != nil && tlsConfig.Enabled {
		log.Info("Configuring TLS for Elasticsearch connection")

		tlsClientConfig := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: tlsConfig.SkipVerify,
		}

		if tlsConfig.CertificateFingerprint != "" {
			cfg.CertificateFingerprint = tlsConfig.CertificateFingerprint
		}

		if tlsConfig.CACertPath != "" {
			caCert, err := os.ReadFile(tlsConfig.CACertPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA certificate: %w", err)
			}

			cfg.CACert = caCert
			log.Info("Added CA certificate to configuration")
		}

		transport.TLSClientConfig = tlsClientConfig
	}

	cfg.Transport = transport

	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	e := &ElasticsearchClient{
		client:      client,
		indexPrefix: indexPrefix,
		log:         log,
	}
	if err := e.Ping(ctx); err != nil {
		return nil, err
	}

	info, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get Elasticsearch info: %w", err)
	}
	defer info.Body.Close()

	var infoResponse struct {
		Version struct {
			Number string `json:"number"`
		} `json:"version"`
	}
	if err := json.NewDecoder(info.Body).Decode(&infoResponse); err != nil {
		return nil, fmt.Errorf("failed to decode Elasticsearch info: %w", err)
	}
	log.Infof("Connected to Elasticsearch %s", infoResponse.Version.Number)

	return e, nil
}

// Ping verifies the cluster is reachable
func (e *ElasticsearchClient) Ping(ctx context.Context) error {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to ping Elasticsearch: %s", res.String())
	}
	return nil
}

// GetMappings returns the mappings for an index
func (e *ElasticsearchClient) GetMappings(ctx context.Context, index string) (map[string]interface{}, error) {
	req := esapi.IndicesGetMappingRequest{
		Index: []string{index},
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, fmt.Errorf("failed to get mappings: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: index %s", service.ErrUnknownObject, index)
	}
	if res.IsError() {
		return nil, fmt.Errorf("failed to get mappings: %s", res.String())
	}

	var mappings map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&mappings); err != nil {
		return nil, fmt.Errorf("failed to decode mappings response: %w", err)
	}

	return mappings, nil
}

// ScrollDocuments scrolls through the documents of an index matching query.
// A nil query matches all documents.
func (e *ElasticsearchClient) ScrollDocuments(ctx context.Context, index string, batchSize int, scrollTime string, query map[string]interface{}, source []string) (*ScrollIterator, error) {
	if len(query) == 0 {
		query = map[string]interface{}{"match_all": map[string]interface{}{}}
	}
	queryJSON, err := json.Marshal(map[string]interface{}{"query": query})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req := esapi.SearchRequest{
		Index: []string{index},
		Size:  &batchSize,
		Body:  strings.NewReader(string(queryJSON)),
	}
	if len(source) > 0 {
		req.SourceIncludes = source
	}

	scrollDuration, err := time.ParseDuration(scrollTime)
	if err != nil {
		scrollDuration = 5 * time.Minute
		e.log.Warnf("Failed to parse scroll time '%s', using default of 5m: %v", scrollTime, err)
	}
	req.Scroll = scrollDuration

	res, err := req.Do(ctx, e.client)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: index %s", service.ErrUnknownObject, index)
	}
	if res.IsError() {
		return nil, fmt.Errorf("failed to search documents: %s", res.String())
	}

	page, err := decodePage(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	return &ScrollIterator{
		client:         e.client,
		scrollID:       page.ScrollID,
		scrollDuration: scrollDuration,
		current:        page.Hits.Hits,
		log:            e.log,
		totalHits:      page.Hits.Total.Value,
	}, nil
}

// ScrollIterator iterates through documents in a scroll
type ScrollIterator struct {
	client         *elasticsearch.Client
	scrollID       string
	scrollDuration time.Duration
	current        []Hit
	currentIndex   int
	log            *logger.Logger
	totalHits      int64
	processedHits  int64
	done           bool
}

// Next returns the next hit of the scroll, or nil once exhausted
func (s *ScrollIterator) Next(ctx context.Context) (*Hit, error) {
	if s.currentIndex >= len(s.current) {
		if s.done || s.scrollID == "" {
			return nil, nil
		}
		if err := s.fetchNextBatch(ctx); err != nil {
			return nil, err
		}
		if len(s.current) == 0 {
			s.done = true
			return nil, nil
		}
		s.currentIndex = 0
	}

	h := &s.current[s.currentIndex]
	s.currentIndex++
	s.processedHits++

	// Log progress every 10000 documents
	if s.processedHits%10000 == 0 && s.totalHits > 0 {
		s.log.Infof("Read %d/%d documents (%.2f%%)", s.processedHits, s.totalHits, float64(s.processedHits)/float64(s.totalHits)*100)
	}
	return h, nil
}

// fetchNextBatch fetches the next batch of documents
func (s *ScrollIterator) fetchNextBatch(ctx context.Context) error {
	req := esapi.ScrollRequest{
		ScrollID: s.scrollID,
		Scroll:   s.scrollDuration,
	}

	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to scroll: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to scroll: %s", res.String())
	}

	page, err := decodePage(res.Body)
	if err != nil {
		return fmt.Errorf("failed to decode scroll response: %w", err)
	}
	if page.ScrollID != "" {
		s.scrollID = page.ScrollID
	}
	s.current = page.Hits.Hits
	return nil
}

// Close closes the scroll and releases resources
func (s *ScrollIterator) Close(ctx context.Context) error {
	if s.scrollID == "" {
		return nil
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	req := esapi.ClearScrollRequest{
		ScrollID: []string{s.scrollID},
	}

	res, err := req.Do(closeCtx, s.client)
	if err != nil {
		return fmt.Errorf("failed to clear scroll: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to clear scroll: %s", res.String())
	}

	s.scrollID = ""
	return nil
}

// Close releases the client. The underlying transport has nothing to close.
func (e *ElasticsearchClient) Close(ctx context.Context) error {
	e.log.Info("Closing Elasticsearch client")
	return nil
}
