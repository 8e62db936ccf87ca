package scan

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"yqhp/perfsec/internal/httpclient"
	"yqhp/perfsec/pkg/types"
)

// 默认值
const (
	DefaultPollInterval = 2 * time.Second
	DefaultScanTimeout  = 10 * time.Minute
	alertsPageSize      = 500
)

// ZAPConfig configures a ZAPClient.
type ZAPConfig struct {
	// Addr is the ZAP API base URL, e.g. http://localhost:8090.
	Addr         string        `yaml:"addr" env:"PERFSEC_ZAP_ADDR"`
	APIKey       string        `yaml:"api_key" env:"PERFSEC_ZAP_API_KEY"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ZAPClient drives a running ZAP daemon through its JSON API: spider the
// target, wait until the passive scan queue is empty, then collect alerts.
type ZAPClient struct {
	cfg    ZAPConfig
	client httpclient.Client
	log    *zap.Logger
}

// NewZAPClient creates a client. client carries the calls to the ZAP API.
func NewZAPClient(cfg ZAPConfig, client httpclient.Client, log *zap.Logger) *ZAPClient {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultScanTimeout
	}
	cfg.Addr = strings.TrimRight(cfg.Addr, "/")
	if log == nil {
		log = zap.NewNop()
	}
	return &ZAPClient{cfg: cfg, client: client, log: log.Named("zap")}
}

// Scan runs a spider plus passive scan against target.
func (z *ZAPClient) Scan(ctx context.Context, target string) ([]types.Finding, error) {
	ctx, cancel := context.WithTimeout(ctx, z.cfg.Timeout)
	defer cancel()

	var started struct {
		Scan string `json:"scan"`
	}
	if err := z.call(ctx, "spider/action/scan", url.Values{"url": {target}}, &started); err != nil {
		return nil, err
	}
	z.log.Info("spider 已启动", zap.String("target", target), zap.String("scan_id", started.Scan))

	if err := z.poll(ctx, func() (bool, error) {
		var st struct {
			Status string `json:"status"`
		}
		if err := z.call(ctx, "spider/view/status", url.Values{"scanId": {started.Scan}}, &st); err != nil {
			return false, err
		}
		pct, err := strconv.Atoi(st.Status)
		if err != nil {
			return false, fmt.Errorf("%w: spider status %q: %v", ErrScanner, st.Status, err)
		}
		return pct >= 100, nil
	}); err != nil {
		return nil, err
	}

	if err := z.poll(ctx, func() (bool, error) {
		var q struct {
			RecordsToScan string `json:"recordsToScan"`
		}
		if err := z.call(ctx, "pscan/view/recordsToScan", nil, &q); err != nil {
			return false, err
		}
		n, err := strconv.Atoi(q.RecordsToScan)
		if err != nil {
			return false, fmt.Errorf("%w: passive scan queue %q: %v", ErrScanner, q.RecordsToScan, err)
		}
		return n == 0, nil
	}); err != nil {
		return nil, err
	}

	findings, err := z.alerts(ctx, target)
	if err != nil {
		return nil, err
	}
	z.log.Info("扫描完成", zap.Int("findings", len(findings)))
	return findings, nil
}

type zapAlert struct {
	Alert       string `json:"alert"`
	Name        string `json:"name"`
	Risk        string `json:"risk"`
	URL         string `json:"url"`
	Param       string `json:"param"`
	Description string `json:"description"`
}

func (z *ZAPClient) alerts(ctx context.Context, target string) ([]types.Finding, error) {
	var out []types.Finding
	for start := 0; ; start += alertsPageSize {
		var page struct {
			Alerts []zapAlert `json:"alerts"`
		}
		params := url.Values{
			"baseurl": {target},
			"start":   {strconv.Itoa(start)},
			"count":   {strconv.Itoa(alertsPageSize)},
		}
		if err := z.call(ctx, "core/view/alerts", params, &page); err != nil {
			return nil, err
		}
		for _, a := range page.Alerts {
			out = append(out, types.Finding{
				Severity:    types.ParseSeverity(a.Risk),
				Name:        firstNonEmpty(a.Name, a.Alert),
				URL:         a.URL,
				Param:       a.Param,
				Description: a.Description,
			})
		}
		if len(page.Alerts) < alertsPageSize {
			return out, nil
		}
	}
}

func (z *ZAPClient) poll(ctx context.Context, done func() (bool, error)) error {
	ticker := time.NewTicker(z.cfg.PollInterval)
	defer ticker.Stop()
	for {
		ok, err := done()
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrScanner, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (z *ZAPClient) call(ctx context.Context, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	if z.cfg.APIKey != "" {
		params.Set("apikey", z.cfg.APIKey)
	}
	u := z.cfg.Addr + "/JSON/" + path + "/"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	resp, err := z.client.Do(ctx, &httpclient.Request{Method: "GET", URL: u, Name: path})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrScanner, path, err)
	}
	if resp.Status != 200 {
		return fmt.Errorf("%w: %s: status %d: %s", ErrScanner, path, resp.Status, strings.TrimSpace(string(resp.Body)))
	}
	if err := sonic.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrScanner, path, err)
	}
	return nil
}
