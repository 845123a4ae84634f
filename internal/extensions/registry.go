package extensions

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fingerprint describes how a known browser extension betrays its presence.
type Fingerprint struct {
	Key            string   `yaml:"key"`
	DisplayName    string   `yaml:"displayName"`
	DOMMarkers     []string `yaml:"domMarkers"`
	GlobalObjects  []string `yaml:"globalObjects"`
	ScriptPatterns []string `yaml:"scriptPatterns"`
	RiskWeight     int      `yaml:"riskWeight"`
}

type registryFile struct {
	Extensions []Fingerprint `yaml:"extensions"`
}

// DefaultRegistry returns the built-in fingerprint set. Weights follow the
// shared risk table unless a fingerprint warrants more.
func DefaultRegistry() []Fingerprint {
	return []Fingerprint{
		{
			Key:         "grammarly",
			DisplayName: "Grammarly",
			DOMMarkers: []string{
				"#grammarly-extension",
				"grammarly-desktop-integration",
				"[data-grammarly-shadow-root]",
			},
			GlobalObjects:  []string{"__grammarly", "grammarly"},
			ScriptPatterns: []string{"grammarly.com/gnar", "gnar_containerId"},
			RiskWeight:     15,
		},
		{
			Key:            "tampermonkey",
			DisplayName:    "Tampermonkey",
			GlobalObjects:  []string{"GM", "GM_info", "unsafeWindow"},
			ScriptPatterns: []string{"tampermonkey", "userscript"},
			RiskWeight:     30,
		},
		{
			Key:         "chatgpt_sidebar",
			DisplayName: "ChatGPT Sidebar",
			DOMMarkers: []string{
				"#chatgpt-sidebar",
				"[class*=\"chatgpt-sidebar\"]",
			},
			GlobalObjects:  []string{"__chatgptSidebar"},
			ScriptPatterns: []string{"chatgpt-sidebar"},
			RiskWeight:     35,
		},
		{
			Key:         "monica",
			DisplayName: "Monica AI Assistant",
			DOMMarkers: []string{
				"#monica-content-root",
				"monica-main-panel",
			},
			GlobalObjects:  []string{"monicaSdk", "__monica"},
			ScriptPatterns: []string{"monica.im"},
			RiskWeight:     35,
		},
		{
			Key:         "merlin",
			DisplayName: "Merlin AI",
			DOMMarkers: []string{
				"#merlin-sidebar",
				"[class*=\"merlin-extension\"]",
			},
			ScriptPatterns: []string{"getmerlin.in"},
			RiskWeight:     35,
		},
		{
			Key:         "copyfish",
			DisplayName: "Copyfish OCR",
			DOMMarkers:  []string{"#copyfish-overlay"},
			ScriptPatterns: []string{
				"copyfish",
			},
			RiskWeight: 20,
		},
		{
			Key:            "selection_search",
			DisplayName:    "Selection Search",
			DOMMarkers:     []string{"#selection-search-popup"},
			GlobalObjects:  []string{"__selectionSearch"},
			ScriptPatterns: []string{"selection-search"},
			RiskWeight:     15,
		},
	}
}

// LoadRegistry reads fingerprint overrides from a YAML file and merges them
// over the defaults. Entries with an existing key replace the default entry.
func LoadRegistry(path string) ([]Fingerprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}

	merged := DefaultRegistry()
	index := make(map[string]int, len(merged))
	for i, fp := range merged {
		index[fp.Key] = i
	}
	for _, fp := range file.Extensions {
		if fp.Key == "" {
			continue
		}
		if i, ok := index[fp.Key]; ok {
			merged[i] = fp
		} else {
			index[fp.Key] = len(merged)
			merged = append(merged, fp)
		}
	}
	return merged, nil
}
