// Package geo resolves the client's public IP, location, and provider.
// Lookups are best effort: every field falls back to a placeholder so a
// finished test always carries a complete triple.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oschwald/maxminddb-golang"

	"github.com/ComputerScienceAddict/getmyspeed/internal/config"
	"github.com/ComputerScienceAddict/getmyspeed/internal/history"
	"github.com/ComputerScienceAddict/getmyspeed/internal/util"
)

const maxServiceBody = 64 << 10

// Info is the resolved client triple. Fields are never empty.
type Info struct {
	Location string `json:"location"`
	Provider string `json:"provider"`
	IP       string `json:"ip"`
}

// Resolver queries a chain of JSON IP services, optionally backed by a
// local MaxMind database for offline city/country lookups.
type Resolver struct {
	services []string
	timeout  time.Duration
	client   *http.Client
	db       *maxminddb.Reader
	logger   util.Logger
}

// NewResolver builds a resolver from the geo configuration. A missing or
// unreadable local database is logged and skipped, not fatal.
func NewResolver(cfg config.GeoConfig, logger util.Logger) *Resolver {
	r := &Resolver{
		services: cfg.Services,
		timeout:  time.Duration(cfg.Timeout),
		client:   &http.Client{Timeout: time.Duration(cfg.Timeout)},
		logger:   logger,
	}
	if cfg.Database != "" {
		db, err := maxminddb.Open(cfg.Database)
		if err != nil {
			logger.Warn("geo database unavailable", "path", cfg.Database, "error", err)
		} else {
			r.db = db
		}
	}
	return r
}

// Close releases the local database, if any.
func (r *Resolver) Close() {
	if r.db != nil {
		_ = r.db.Close()
	}
}

// Lookup resolves the client triple. Services are tried in order and their
// answers merged field by field; the local database fills a missing location
// when the public IP is known. Unresolvable fields get placeholders.
func (r *Resolver) Lookup(ctx context.Context) Info {
	var info Info
	for _, svc := range r.services {
		if ctx.Err() != nil {
			break
		}
		resp, err := r.query(ctx, svc)
		if err != nil {
			r.logger.Debug("geo service failed", "service", svc, "error", err)
			continue
		}
		merge(&info, resp)
		if info.Location != "" && info.Provider != "" && info.IP != "" {
			break
		}
	}
	if info.Location == "" && info.IP != "" && r.db != nil {
		if loc, err := r.lookupDB(info.IP); err == nil {
			info.Location = loc
		}
	}
	if info.Location == "" {
		info.Location = history.DefaultLocation
	}
	if info.Provider == "" {
		info.Provider = history.DefaultProvider
	}
	if info.IP == "" {
		info.IP = history.DefaultIP
	}
	return info
}

// serviceResponse covers the field spellings of the supported services
// (ipapi.co, ip-api.com, ipinfo.io) in one shape.
type serviceResponse struct {
	IP          string `json:"ip"`
	Query       string `json:"query"`
	City        string `json:"city"`
	Region      string `json:"region"`
	RegionName  string `json:"regionName"`
	Country     string `json:"country"`
	CountryName string `json:"country_name"`
	Org         string `json:"org"`
	ISP         string `json:"isp"`
}

func (r *Resolver) query(ctx context.Context, url string) (*serviceResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxServiceBody))
	if err != nil {
		return nil, err
	}
	var sr serviceResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, err
	}
	return &sr, nil
}

func merge(info *Info, sr *serviceResponse) {
	if info.IP == "" {
		info.IP = firstNonEmpty(sr.IP, sr.Query)
	}
	if info.Location == "" {
		info.Location = formatLocation(
			sr.City,
			firstNonEmpty(sr.RegionName, sr.Region),
			firstNonEmpty(sr.CountryName, sr.Country),
		)
	}
	if info.Provider == "" {
		info.Provider = firstNonEmpty(sr.ISP, stripASN(sr.Org))
	}
}

func (r *Resolver) lookupDB(ip string) (string, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return "", fmt.Errorf("invalid address %q", ip)
	}
	var record struct {
		City struct {
			Names map[string]string `maxminddb:"names"`
		} `maxminddb:"city"`
		Country struct {
			Names map[string]string `maxminddb:"names"`
		} `maxminddb:"country"`
	}
	if err := r.db.Lookup(addr, &record); err != nil {
		return "", err
	}
	loc := formatLocation(record.City.Names["en"], "", record.Country.Names["en"])
	if loc == "" {
		return "", fmt.Errorf("no location for %s", ip)
	}
	return loc, nil
}

// formatLocation joins the non-empty parts as "City, Region, Country".
func formatLocation(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}

// stripASN drops a leading autonomous system number from an org string,
// e.g. "AS13335 Cloudflare, Inc." becomes "Cloudflare, Inc.".
func stripASN(org string) string {
	if !strings.HasPrefix(org, "AS") {
		return org
	}
	rest := strings.TrimPrefix(org, "AS")
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(rest) || rest[i] != ' ' {
		return org
	}
	return strings.TrimSpace(rest[i:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
