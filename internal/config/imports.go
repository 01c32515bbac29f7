package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/hitoshi/icalsync/internal/model"
	"github.com/hitoshi/icalsync/internal/security"
	"github.com/hitoshi/icalsync/internal/timezone"
)

// ImportsFile はインポート定義ファイルのトップレベル構造。
//
//	imports:
//	  - id: mainz
//	    url: webcal://example.com/mainz.ics
//	    category_id: 3
//	    create_threads: true
//	    board_id: 7
type ImportsFile struct {
	Imports []model.ImportConfig `yaml:"imports"`
}

// LoadImports はYAMLファイルからインポート定義を読み込み、デフォルト値の補完と検証を行う。
// fetchTimeoutとtargetTimezoneはインポート側で未指定の場合に使用する。
func LoadImports(path string, cfg *Config) ([]model.ImportConfig, error) {
	if path == "" {
		return nil, errors.New("imports file path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("インポート定義の読み込みに失敗: %w", err)
	}
	return ParseImports(data, cfg)
}

// ParseImports はYAMLのインポート定義をパースして検証する。
func ParseImports(data []byte, cfg *Config) ([]model.ImportConfig, error) {
	var file ImportsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("インポート定義のパースに失敗: %w", err)
	}

	seen := make(map[string]bool, len(file.Imports))
	for i := range file.Imports {
		imp := &file.Imports[i]
		if imp.FetchTimeout <= 0 && cfg != nil {
			imp.FetchTimeout = cfg.FetchTimeout
		}
		defaultTZ := ""
		if cfg != nil {
			defaultTZ = cfg.TargetTimezone
		}
		imp.Normalize(defaultTZ)
		imp.FeedURL = security.NormalizeFeedURL(imp.FeedURL)

		if err := validateImport(*imp); err != nil {
			return nil, fmt.Errorf("imports[%d]: %w", i, err)
		}
		if seen[imp.ID] {
			return nil, fmt.Errorf("imports[%d]: duplicate id %q", i, imp.ID)
		}
		seen[imp.ID] = true
	}

	return file.Imports, nil
}

// validateImport はインポート定義1件を検証する。
func validateImport(imp model.ImportConfig) error {
	if imp.ID == "" {
		return errors.New("id is required")
	}
	if imp.FeedURL == "" {
		return fmt.Errorf("import %q: url is required", imp.ID)
	}
	if imp.Schedule != "" {
		if _, err := cron.ParseStandard(imp.Schedule); err != nil {
			return fmt.Errorf("import %q: invalid schedule %q: %w", imp.ID, imp.Schedule, err)
		}
	}
	if imp.ConvertTimezone && timezone.CanonicalName(imp.TargetTimezone) == "" {
		return fmt.Errorf("import %q: unknown target_timezone %q", imp.ID, imp.TargetTimezone)
	}
	return nil
}

// FindImport はIDに一致するインポート定義を返す。見つからない場合はfalse。
func FindImport(imports []model.ImportConfig, id string) (model.ImportConfig, bool) {
	for _, imp := range imports {
		if imp.ID == id {
			return imp, true
		}
	}
	return model.ImportConfig{}, false
}
