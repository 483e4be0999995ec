package billing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModelPricing はモデルごとの価格情報
type ModelPricing struct {
	InputPricePer1kTokens  float64 `yaml:"input_price_per_1k_tokens"`
	OutputPricePer1kTokens float64 `yaml:"output_price_per_1k_tokens"`
	Provider               string  `yaml:"provider"`
}

// PricingTable はモデル別の価格表を保持する
type PricingTable struct {
	Models       map[string]ModelPricing `yaml:"models"`
	DefaultModel string                  `yaml:"default_model"`
}

// DefaultPricingTable は組み込みのデフォルト価格表を返す
func DefaultPricingTable() *PricingTable {
	return &PricingTable{
		Models: map[string]ModelPricing{
			"gpt-4o-mini": {
				InputPricePer1kTokens:  0.00015,
				OutputPricePer1kTokens: 0.0006,
				Provider:               "openai",
			},
			"gpt-4o": {
				InputPricePer1kTokens:  0.0025,
				OutputPricePer1kTokens: 0.01,
				Provider:               "openai",
			},
			"text-embedding-3-small": {
				InputPricePer1kTokens:  0.00002,
				OutputPricePer1kTokens: 0,
				Provider:               "openai",
			},
		},
		DefaultModel: "gpt-4o-mini",
	}
}

// LoadPricingTable はYAMLファイルから価格表を読み込む。
// パス未指定の場合は組み込みのデフォルト価格表を返す。
func LoadPricingTable(path string) (*PricingTable, error) {
	if path == "" {
		return DefaultPricingTable(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing config: %w", err)
	}

	var table PricingTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse pricing config: %w", err)
	}
	if len(table.Models) == 0 {
		return nil, fmt.Errorf("pricing config contains no models")
	}

	return &table, nil
}

// EstimateCost はトークン使用量から推定コストを計算する。
// 未知のモデルはデフォルトモデルの価格で概算する。
func (t *PricingTable) EstimateCost(model string, usage TokenUsage) float64 {
	pricing, ok := t.Models[model]
	if !ok {
		pricing, ok = t.Models[t.DefaultModel]
		if !ok {
			return 0
		}
	}

	inputCost := float64(usage.PromptTokens) / 1000.0 * pricing.InputPricePer1kTokens
	outputCost := float64(usage.CompletionTokens) / 1000.0 * pricing.OutputPricePer1kTokens
	return inputCost + outputCost
}

// ProviderFor はモデルのプロバイダ名を返す。未知のモデルは空文字を返す。
func (t *PricingTable) ProviderFor(model string) string {
	if pricing, ok := t.Models[model]; ok {
		return pricing.Provider
	}
	return ""
}
