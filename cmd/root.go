// Package cmd 提供 perfsec CLI 的命令实现
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// 导入所有输出插件
	_ "yqhp/perfsec/pkg/output/all"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
          /\      |‾‾| perfsec %s
     /\  /  \     |  |
    /  \/    \    |  |
   /          \   |  |
  / __________ \  |__|
`
)

// globalFlags 是所有子命令共享的 flags
type globalFlags struct {
	debug bool
	quiet bool
}

// NewRootCmd 创建根命令。每次调用返回独立的命令树，便于测试。
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "perfsec",
		Short: "负载测试与安全扫描引擎",
		Long: `perfsec 按阶段曲线驱动虚拟用户对 HTTP 服务施压，用阈值判定结果，
并可在运行完成后触发 ZAP 安全扫描，输出合并的性能与安全报告。`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "启用调试日志")
	root.PersistentFlags().BoolVarP(&g.quiet, "quiet", "q", false, "静默模式，只输出结果")

	// 禁用默认的 completion 命令
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")

	root.AddCommand(
		newRunCmd(g),
		newScanCmd(g),
		newValidateCmd(g),
		newVersionCmd(),
	)
	return root
}

// Execute 执行根命令并返回进程退出码
func Execute() int {
	return run(NewRootCmd(), os.Args[1:])
}

func run(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return ExitPass
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintln(root.ErrOrStderr(), "Error:", exitErr.Err)
		}
		return exitErr.Code
	}
	fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	return ExitConfig
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本信息",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "perfsec version %s\n", Version)
		},
	}
}
