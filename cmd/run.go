package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/perfsec/internal/config"
	"yqhp/perfsec/internal/engine"
	"yqhp/perfsec/internal/summary"
	"yqhp/perfsec/pkg/logger"
	"yqhp/perfsec/pkg/types"
)

// runFlags 是 run 命令的 flags
type runFlags struct {
	profile  string
	url      string
	format   string
	outJSON  string
	outputs  []string
	strict   bool
	apiAddr  string
	scan     bool
	seed     int64
	stages   string
	vus      int
	duration time.Duration
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <definition.yaml>",
		Short: "执行负载测试",
		Long: `按测试定义执行负载测试。

负载形状来源（优先级从高到低）：
  - --stage / stages: 自定义阶段
  - --profile / profile: 内置或自定义阶段曲线 (load, stress, spike)
  - vus + duration: 固定虚拟用户数

退出码：
  0   全部通过
  99  阈值未通过（strict 模式下包括无样本的阈值）
  97  安全扫描门禁未通过或扫描失败
  105 运行被取消
  107 内部故障
  1   配置或用法错误`,
		Example: `  # 使用内置 load 曲线
  perfsec run --profile load checkout.yaml

  # 覆盖目标地址并输出 JSON
  perfsec run --url http://staging:8080 --format json checkout.yaml

  # 自定义阶段，运行后扫描
  perfsec run --stage 30s:10,1m:10,30s:0 --scan checkout.yaml

  # 流式输出样本
  perfsec run --out json=samples.ndjson --out prometheus --api :6565 checkout.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDefinition(cmd, g, f, args[0])
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.profile, "profile", "p", "", "阶段曲线 (load, stress, spike 或自定义名称)")
	fl.StringVar(&f.url, "url", "", "目标服务地址 (覆盖 base_url)")
	fl.StringVarP(&f.format, "format", "f", "", "结果格式 (text, json)")
	fl.StringVar(&f.outJSON, "out-json", "", "输出 JSON 结果到文件")
	fl.StringArrayVarP(&f.outputs, "out", "o", nil, "指标输出目标 (可多次指定)，格式: type=arg")
	fl.BoolVar(&f.strict, "strict", false, "无样本的阈值视为失败")
	fl.StringVar(&f.apiAddr, "api", "", "启用控制 API 并监听该地址")
	fl.BoolVar(&f.scan, "scan", false, "运行完成后执行安全扫描")
	fl.Int64Var(&f.seed, "seed", 0, "迭代选择器随机种子")
	fl.StringVar(&f.stages, "stage", "", "自定义阶段，格式: 30s:10,1m:0")
	fl.IntVarP(&f.vus, "vus", "u", 0, "固定虚拟用户数")
	fl.DurationVarP(&f.duration, "duration", "d", 0, "固定模式的持续时间")
	return cmd
}

// overrides 把显式设置的 flags 转成按 YAML 路径的覆盖项
func (f *runFlags) overrides(cmd *cobra.Command, g *globalFlags) map[string]string {
	args := make(map[string]string)
	set := func(flag, path, value string) {
		if cmd.Flags().Changed(flag) {
			args[path] = value
		}
	}
	set("profile", "profile", f.profile)
	set("url", "base_url", f.url)
	set("format", "output.format", f.format)
	set("out-json", "output.json_file", f.outJSON)
	set("out", "output.outputs", strings.Join(f.outputs, ","))
	set("strict", "output.strict", strconv.FormatBool(f.strict))
	set("scan", "scan.enabled", strconv.FormatBool(f.scan))
	set("seed", "execution.seed", strconv.FormatInt(f.seed, 10))
	set("stage", "stages", f.stages)
	set("vus", "vus", strconv.Itoa(f.vus))
	set("duration", "duration", f.duration.String())
	if cmd.Flags().Changed("api") {
		args["api.enabled"] = "true"
		args["api.address"] = f.apiAddr
	}
	if g.debug {
		args["logging.level"] = "debug"
	}
	return args
}

func runDefinition(cmd *cobra.Command, g *globalFlags, f *runFlags, path string) error {
	def, err := config.NewLoader().
		WithConfigPath(path).
		WithCmdArgs(f.overrides(cmd, g)).
		Load()
	if err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}

	logger.Init(&def.Logging)
	defer logger.Sync()
	log := logger.Named("cmd")

	// 处理关闭信号
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if !g.quiet && def.Output.Format != config.FormatJSON {
		printRunInfo(out, def)
	}

	eng := engine.New(def, engine.WithLogger(logger.Named("engine")))
	res, err := eng.Run(ctx)
	if res == nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			return &ExitError{Code: ExitConfig, Err: verrs}
		}
		return &ExitError{Code: ExitConfig, Err: fmt.Errorf("执行失败: %w", err)}
	}
	if err != nil {
		log.Error("运行异常结束", zap.Error(err))
	}

	if err := renderResult(out, def.Output.Format, res); err != nil {
		return &ExitError{Code: ExitConfig, Err: fmt.Errorf("输出结果失败: %w", err)}
	}
	if def.Output.JSONFile != "" {
		if err := summary.WriteFile(def.Output.JSONFile, res); err != nil {
			return &ExitError{Code: ExitConfig, Err: fmt.Errorf("写入 JSON 输出失败: %w", err)}
		}
		if !g.quiet && def.Output.Format != config.FormatJSON {
			fmt.Fprintf(out, "  结果已写入: %s\n", def.Output.JSONFile)
		}
	}
	return resultError(res)
}

func renderResult(w io.Writer, format string, res *types.RunResult) error {
	if format == config.FormatJSON {
		return summary.RenderJSON(w, res)
	}
	return summary.RenderText(w, res)
}

func printRunInfo(w io.Writer, def *config.Definition) {
	fmt.Fprintf(w, Banner, Version)
	fmt.Fprintf(w, "  %s\n\n", def.Name)
	fmt.Fprintf(w, "  目标: %s\n", def.BaseURL)
	fmt.Fprintf(w, "  执行模式: %s\n", def.ResolvedMode())
	if stages, err := def.ResolvedStages(); err == nil {
		fmt.Fprintf(w, "  阶段数: %d  最大 VUs: %d  总时长: %s\n",
			len(stages), stages.MaxTarget(), stages.TotalDuration())
	}
	fmt.Fprintf(w, "  步骤数: %d\n", len(def.Scenario))
	if def.Scan.Enabled {
		fmt.Fprintf(w, "  安全扫描: %s\n", def.ScanTarget())
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "执行中...")
}
