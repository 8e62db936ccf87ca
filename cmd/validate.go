package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"yqhp/perfsec/internal/config"
	"yqhp/perfsec/internal/execution"
	"yqhp/perfsec/internal/httpclient"
	"yqhp/perfsec/internal/metrics/aggregator"
	"yqhp/perfsec/internal/script"
	"yqhp/perfsec/internal/summary"
	"yqhp/perfsec/pkg/logger"
	"yqhp/perfsec/pkg/metrics"
)

// validateFlags 是 validate 命令的 flags
type validateFlags struct {
	smoke      bool
	iterations int
	url        string
}

func newValidateCmd(g *globalFlags) *cobra.Command {
	f := &validateFlags{}
	cmd := &cobra.Command{
		Use:   "validate <definition.yaml>",
		Short: "校验测试定义",
		Long: `校验测试定义，不分配任何运行资源。

--smoke 会在单个 VU 上顺序执行场景若干次，验证目标可达且检查通过。`,
		Example: `  perfsec validate checkout.yaml
  perfsec validate --smoke --url http://localhost:8080 checkout.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateDefinition(cmd, g, f, args[0])
		},
	}

	fl := cmd.Flags()
	fl.BoolVar(&f.smoke, "smoke", false, "校验后执行冒烟测试")
	fl.IntVarP(&f.iterations, "iterations", "i", 1, "冒烟测试迭代次数")
	fl.StringVar(&f.url, "url", "", "目标服务地址 (覆盖 base_url)")
	return cmd
}

func validateDefinition(cmd *cobra.Command, g *globalFlags, f *validateFlags, path string) error {
	overrides := map[string]string{}
	if f.url != "" {
		overrides["base_url"] = f.url
	}
	if g.debug {
		overrides["logging.level"] = "debug"
	}
	def, err := config.NewLoader().WithConfigPath(path).WithCmdArgs(overrides).Load()
	if err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}
	if err := config.Validate(def); err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}

	out := cmd.OutOrStdout()
	stages, _ := def.ResolvedStages()
	fmt.Fprintf(out, "定义有效: %s (%s, %d 阶段, 最大 %d VUs, %s)\n",
		def.Name, def.ResolvedMode(), len(stages), stages.MaxTarget(), stages.TotalDuration())

	if !f.smoke {
		return nil
	}
	if f.iterations <= 0 {
		return &ExitError{Code: ExitConfig, Err: errors.New("iterations must be positive")}
	}

	logger.Init(&def.Logging)
	defer logger.Sync()
	return smoke(cmd, def, f.iterations)
}

// smoke 在单个 VU 上顺序执行场景，任一请求失败或检查未通过即返回错误
func smoke(cmd *cobra.Command, def *config.Definition, iterations int) error {
	runner, err := script.NewScenario(def.Scenario, def.TemplateVars(), def.Execution.Seed)
	if err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}
	policy, err := def.Execution.Policy()
	if err != nil {
		return &ExitError{Code: ExitConfig, Err: err}
	}

	agg := aggregator.NewWithBuiltins()
	tracker := summary.NewErrorTracker()
	cfg := &execution.ModeConfig{
		Timeout: def.Execution.Timeout,
		Runner:  runner,
		Client: httpclient.NewFastHTTPClient(httpclient.FastHTTPOptions{
			MaxConnsPerHost:    def.Execution.MaxConnsPerHost,
			InsecureSkipVerify: def.Execution.Insecure,
		}),
		Policy:   policy,
		Recorder: metrics.Tee(agg, tracker),
		Logger:   logger.Named("smoke"),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := execution.RunOnce(ctx, cfg, 1, iterations); err != nil {
		return &ExitError{Code: ExitCancelled, Err: fmt.Errorf("冒烟测试失败: %w", err)}
	}

	out := cmd.OutOrStdout()
	var failed, checkFails int64
	if s, ok := agg.Snapshot(metrics.HTTPReqs); ok {
		fmt.Fprintf(out, "  请求数: %d\n", int64(s.Sum))
	}
	if s, ok := agg.Snapshot(metrics.HTTPReqFailed); ok {
		failed = s.Passes
	}
	if s, ok := agg.Snapshot(metrics.Checks); ok {
		checkFails = s.Fails
		fmt.Fprintf(out, "  检查: %d 通过, %d 失败\n", s.Passes, s.Fails)
	}
	for _, e := range tracker.Stats() {
		fmt.Fprintf(out, "  失败: %d %s [%s]\n", e.Count, e.Name, e.Reason)
	}
	if failed > 0 || checkFails > 0 {
		return &ExitError{Code: ExitThresholds, Err: fmt.Errorf("冒烟测试失败: %d 个请求失败, %d 个检查未通过", failed, checkFails)}
	}
	fmt.Fprintln(out, "  冒烟测试通过")
	return nil
}
