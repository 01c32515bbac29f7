package app

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/hitoshi/icalsync/internal/config"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はスケジューラ付きのワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandRun はインポート1件を即時実行することを示す。
	CommandRun Command = "run"
	// CommandRepair は二重オフセット修復を実行することを示す。
	CommandRepair Command = "repair"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Version はビルド時に -ldflags で設定する。
var Version = "dev"

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンドが無い場合はserveとして起動する。
func Run(w io.Writer, args []string) error {
	return NewCLIApp(os.Stdout, w).Run(append([]string{"icalsync"}, args...))
}

// NewCLIApp は全サブコマンドを持つCLIアプリケーションを生成する。
// outには実行結果のJSON、logOutには構造化ログを書き出す。
func NewCLIApp(out, logOut io.Writer) *cli.App {
	app := &cli.App{
		Name:    "icalsync",
		Usage:   "ICSフィードをイベントストアへ同期する",
		Version: Version,
		Writer:  out,
		Action: func(c *cli.Context) error {
			return serveAction(logOut)
		},
		Commands: []*cli.Command{
			serveCmd(logOut),
			workerCmd(logOut),
			migrateCmd(out, logOut),
			runCmd(out, logOut),
			repairCmd(out, logOut),
			healthcheckCmd(),
		},
	}
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func serveAction(logOut io.Writer) error {
	cfg, log, err := Init(logOut)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	imports, err := loadImports(cfg)
	if err != nil {
		return err
	}
	log.Info("starting application",
		"command", string(CommandServe),
		"port", cfg.ServerPort,
		"import_count", len(imports),
	)
	return runServe(cfg, imports, log)
}

func serveCmd(logOut io.Writer) *cli.Command {
	return &cli.Command{
		Name:  string(CommandServe),
		Usage: "APIサーバーを起動する",
		Action: func(c *cli.Context) error {
			return serveAction(logOut)
		},
	}
}

func workerCmd(logOut io.Writer) *cli.Command {
	return &cli.Command{
		Name:  string(CommandWorker),
		Usage: "スケジューラを起動し、cron式に従って同期する",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "metrics-port", EnvVars: []string{"METRICS_PORT"}, Usage: "/metricsを公開するポート（空で無効）"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := Init(logOut)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			imports, err := loadImports(cfg)
			if err != nil {
				return err
			}
			log.Info("starting application", "command", string(CommandWorker))
			return runWorker(cfg, imports, log, c.String("metrics-port"))
		},
	}
}

func migrateCmd(out, logOut io.Writer) *cli.Command {
	return &cli.Command{
		Name:  string(CommandMigrate),
		Usage: "データベースマイグレーションを適用する",
		Action: func(c *cli.Context) error {
			cfg, log, err := Init(logOut)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			return runMigrate(cfg, log)
		},
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "未適用のマイグレーションを全て適用する",
				Action: func(c *cli.Context) error {
					cfg, log, err := Init(logOut)
					if err != nil {
						return fmt.Errorf("initialization failed: %w", err)
					}
					return runMigrate(cfg, log)
				},
			},
			{
				Name:  "down",
				Usage: "マイグレーションを戻す",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "steps", Value: 1, Usage: "戻すステップ数"},
				},
				Action: func(c *cli.Context) error {
					cfg, log, err := Init(logOut)
					if err != nil {
						return fmt.Errorf("initialization failed: %w", err)
					}
					return runRollback(cfg, c.Int("steps"), log)
				},
			},
			{
				Name:  "version",
				Usage: "現在のスキーマバージョンを表示する",
				Action: func(c *cli.Context) error {
					cfg, _, err := Init(logOut)
					if err != nil {
						return fmt.Errorf("initialization failed: %w", err)
					}
					return runMigrationVersion(out, cfg)
				},
			},
		},
	}
}

func runCmd(out, logOut io.Writer) *cli.Command {
	return &cli.Command{
		Name:  string(CommandRun),
		Usage: "インポート1件を即時実行し、サマリーをJSONで出力する",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "import", Aliases: []string{"i"}, Required: true, Usage: "インポートID"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := Init(logOut)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			imports, err := loadImports(cfg)
			if err != nil {
				return err
			}
			id := c.String("import")
			imp, ok := config.FindImport(imports, id)
			if !ok {
				return fmt.Errorf("import not found: %s", id)
			}
			return runOnce(out, cfg, imp, log)
		},
	}
}

func repairCmd(out, logOut io.Writer) *cli.Command {
	return &cli.Command{
		Name:  string(CommandRepair),
		Usage: "二重に変換されたイベント時刻を修復する",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "import", Aliases: []string{"i"}, Usage: "対象のインポートID（省略時は全件）"},
			&cli.BoolFlag{Name: "dry-run", Usage: "更新せずに対象件数のみ表示する"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := Init(logOut)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			return runRepair(out, cfg, c.String("import"), c.Bool("dry-run"), log)
		},
	}
}

// healthcheckCmd は軽量サブコマンドのため、フル初期化をスキップする。
func healthcheckCmd() *cli.Command {
	return &cli.Command{
		Name:  string(CommandHealthcheck),
		Usage: "ローカルのAPIサーバーの/healthを確認する",
		Action: func(c *cli.Context) error {
			return runHealthcheck(envOr("SERVER_PORT", "8080"))
		},
	}
}
