package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/perfsec/internal/config"
	"yqhp/perfsec/internal/engine"
	"yqhp/perfsec/internal/scan"
	"yqhp/perfsec/internal/summary"
	"yqhp/perfsec/pkg/logger"
	"yqhp/perfsec/pkg/types"
)

// scanFlags 是 scan 命令的 flags
type scanFlags struct {
	zapAddr  string
	apiKey   string
	report   string
	failOn   string
	format   string
	timeout  time.Duration
	interval time.Duration
}

func newScanCmd(g *globalFlags) *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan <target>",
		Short: "单独执行安全扫描",
		Long: `对目标执行 ZAP 安全扫描，或读取已有的 ZAP JSON 报告。

任一告警达到 --fail-on 级别时退出码为 97。`,
		Example: `  # 通过运行中的 ZAP 守护进程扫描
  perfsec scan --zap http://localhost:8090 http://staging:8080

  # 读取基线扫描容器生成的报告
  perfsec scan --report zap-report.json --fail-on medium http://staging:8080`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return scanTarget(cmd, g, f, args[0])
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.zapAddr, "zap", "http://localhost:8090", "ZAP API 地址")
	fl.StringVar(&f.apiKey, "api-key", "", "ZAP API key")
	fl.StringVar(&f.report, "report", "", "读取 ZAP JSON 报告而不是调用 ZAP")
	fl.StringVar(&f.failOn, "fail-on", "high", "门禁级别 (informational, low, medium, high)")
	fl.StringVarP(&f.format, "format", "f", config.FormatText, "结果格式 (text, json)")
	fl.DurationVar(&f.timeout, "timeout", scan.DefaultScanTimeout, "扫描超时")
	fl.DurationVar(&f.interval, "poll-interval", scan.DefaultPollInterval, "ZAP 进度轮询间隔")
	cmd.MarkFlagsMutuallyExclusive("zap", "report")
	return cmd
}

// scanReport 是 scan 命令的 JSON 输出
type scanReport struct {
	Target     string          `json:"target"`
	Findings   []types.Finding `json:"findings"`
	GateFailed bool            `json:"gate_failed"`
}

func scanTarget(cmd *cobra.Command, g *globalFlags, f *scanFlags, target string) error {
	failOn := types.ParseSeverity(f.failOn)
	if failOn.Rank() == 0 {
		return &ExitError{Code: ExitConfig, Err: fmt.Errorf("未知的门禁级别 %q", f.failOn)}
	}
	if f.format != config.FormatText && f.format != config.FormatJSON {
		return &ExitError{Code: ExitConfig, Err: fmt.Errorf("未知的结果格式 %q", f.format)}
	}

	logCfg := logger.DefaultConfig()
	if g.debug {
		logCfg.Level = "debug"
	}
	logger.Init(logCfg)
	defer logger.Sync()
	log := logger.Named("scan")

	cfg := config.ScanConfig{
		Enabled: true,
		Target:  target,
		Report:  f.report,
		FailOn:  string(failOn),
		ZAP: scan.ZAPConfig{
			Addr:         f.zapAddr,
			APIKey:       f.apiKey,
			PollInterval: f.interval,
			Timeout:      f.timeout,
		},
	}
	scanner := engine.NewScanner(cfg, nil, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	findings, err := scanner.Scan(ctx, target)
	if err != nil {
		log.Error("安全扫描失败", zap.Error(err))
		return &ExitError{Code: ExitScanGate, Err: err}
	}
	scan.Sort(findings)
	gateFailed := scan.Exceeds(findings, failOn)

	out := cmd.OutOrStdout()
	if f.format == config.FormatJSON {
		err = writeJSON(out, scanReport{Target: target, Findings: findings, GateFailed: gateFailed})
	} else {
		err = summary.RenderFindings(out, findings, gateFailed)
	}
	if err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}
	if gateFailed {
		return &ExitError{Code: ExitScanGate}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
