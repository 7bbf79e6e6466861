package agent

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	xerrors "AgentHub-Chain/internal/errors"
)

//go:embed catalog.yaml
var builtinCatalog []byte

// Definition 是目录文件中一个智能体的原始描述。
type Definition struct {
	ID              ID           `yaml:"id"`
	Name            string       `yaml:"name"`
	Description     string       `yaml:"description"`
	Instructions    string       `yaml:"instructions"`
	Capabilities    []Capability `yaml:"capabilities"`
	Specializations []string     `yaml:"specializations"`
	DomainKnowledge []string     `yaml:"domain_knowledge"`
	CreativityIndex float64      `yaml:"creativity"`
	TechnicalDepth  float64      `yaml:"technical_depth"`
	ContentAnalysis bool         `yaml:"content_analysis"`
	Listing         Listing      `yaml:"listing"`
	Performance     Metrics      `yaml:"performance"`
}

// Profile 根据定义构建画像。
func (d Definition) Profile() *Profile {
	return &Profile{
		ID:              d.ID,
		Name:            d.Name,
		Description:     d.Description,
		Instructions:    d.Instructions,
		Capabilities:    d.Capabilities,
		Specializations: d.Specializations,
		DomainKnowledge: d.DomainKnowledge,
		CreativityIndex: d.CreativityIndex,
		TechnicalDepth:  d.TechnicalDepth,
		ContentAnalysis: d.ContentAnalysis,
		Listing:         d.Listing,
		performance:     d.Performance,
	}
}

type catalogFile struct {
	Agents []Definition `yaml:"agents"`
}

// ParseCatalog 解析 YAML 目录并构建 Registry。
func ParseCatalog(data []byte) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析智能体目录失败")
	}
	profiles := make([]*Profile, 0, len(file.Agents))
	for _, def := range file.Agents {
		profiles = append(profiles, def.Profile())
	}
	return NewRegistry(profiles)
}

// LoadCatalog 从文件加载目录，path 为空时使用内置目录。
func LoadCatalog(path string) (*Registry, error) {
	if path == "" {
		return ParseCatalog(builtinCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("读取智能体目录 %s 失败", path))
	}
	return ParseCatalog(data)
}
