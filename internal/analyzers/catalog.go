package analyzers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/ices-pipeline/internal/config"
	"github.com/ignite/ices-pipeline/internal/pkg/logger"
)

// VendorApp is one SaaS product in the vendor catalog.
type VendorApp struct {
	Name         string `json:"name"`
	Category     string `json:"category"`
	Organization string `json:"organization"`
}

type vendorData struct {
	Meta struct {
		AppCount    int `json:"app_count"`
		DomainCount int `json:"domain_count"`
	} `json:"_meta"`
	DomainIndex map[string]string    `json:"domain_index"`
	Apps        map[string]VendorApp `json:"apps"`
}

// Catalog maps sender domains to known SaaS vendors. It is loaded once
// per worker process and read concurrently without locking.
type Catalog struct {
	domainIndex map[string]string
	apps        map[string]VendorApp
}

// LoadCatalog reads the vendor catalog from a local path or an
// s3://bucket/key URL. A missing or unreadable catalog disables vendor
// enrichment rather than failing startup.
func LoadCatalog(ctx context.Context, cfg config.SaaSConfig) *Catalog {
	empty := &Catalog{domainIndex: map[string]string{}, apps: map[string]VendorApp{}}
	if cfg.CatalogPath == "" {
		logger.Warn("no vendor catalog configured, enrichment disabled")
		return empty
	}

	raw, err := readCatalog(ctx, cfg)
	if err != nil {
		logger.Warn("vendor catalog unavailable, enrichment disabled",
			"path", cfg.CatalogPath, "error", err.Error())
		return empty
	}

	var data vendorData
	if err := json.Unmarshal(raw, &data); err != nil {
		logger.Warn("vendor catalog unreadable, enrichment disabled",
			"path", cfg.CatalogPath, "error", err.Error())
		return empty
	}
	if data.DomainIndex == nil {
		data.DomainIndex = map[string]string{}
	}
	if data.Apps == nil {
		data.Apps = map[string]VendorApp{}
	}

	logger.Info("vendor catalog loaded",
		"apps", data.Meta.AppCount, "domains", data.Meta.DomainCount)
	return &Catalog{domainIndex: data.DomainIndex, apps: data.Apps}
}

// NewCatalog builds a catalog from in-memory maps.
func NewCatalog(domainIndex map[string]string, apps map[string]VendorApp) *Catalog {
	if domainIndex == nil {
		domainIndex = map[string]string{}
	}
	if apps == nil {
		apps = map[string]VendorApp{}
	}
	return &Catalog{domainIndex: domainIndex, apps: apps}
}

func readCatalog(ctx context.Context, cfg config.SaaSConfig) ([]byte, error) {
	if strings.HasPrefix(cfg.CatalogPath, "s3://") {
		return readCatalogS3(ctx, cfg)
	}
	return os.ReadFile(cfg.CatalogPath)
}

func readCatalogS3(ctx context.Context, cfg config.SaaSConfig) ([]byte, error) {
	rest := strings.TrimPrefix(cfg.CatalogPath, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return nil, fmt.Errorf("invalid s3 catalog url %q", cfg.CatalogPath)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)

	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Lookup resolves a sender address to a known vendor, walking up the
// domain hierarchy so mail.notify.example.com can match an
// example.com entry.
func (c *Catalog) Lookup(sender string) (VendorApp, bool) {
	if c == nil || sender == "" {
		return VendorApp{}, false
	}

	domain := strings.ToLower(afterLastAt(sender))
	parts := strings.Split(domain, ".")
	for i := 0; i < len(parts)-1; i++ {
		candidate := strings.Join(parts[i:], ".")
		if appID, ok := c.domainIndex[candidate]; ok {
			app, ok := c.apps[appID]
			return app, ok
		}
	}
	return VendorApp{}, false
}
