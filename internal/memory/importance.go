package memory

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// importanceKeywords are scanned as literal uppercase tokens. Each hit
// adds the keyword bonus, capped by KeywordBonusCap.
var importanceKeywords = []string{"IMPORTANT", "CRITICAL", "TODO", "FIXME", "DECISION"}

// MetadataImportanceKey is the metadata key that, when set to a number
// in [0,1], overrides the assessed importance entirely.
const MetadataImportanceKey = "importance"

// AssessorConfig holds the importance formula parameters. Defaults
// reproduce the pinned formula; the knobs exist for parity experiments
// against other scorers.
type AssessorConfig struct {
	// ContextBase maps context labels to their base score.
	ContextBase map[string]float64

	// UnknownBase is used for contexts absent from ContextBase.
	UnknownBase float64

	// KeywordBonus is added per keyword hit, up to KeywordBonusCap.
	KeywordBonus    float64
	KeywordBonusCap float64

	// Content shorter than ShortLength runes loses ShortPenalty;
	// content longer than LongLength runes gains LongBonus.
	ShortLength  int
	ShortPenalty float64
	LongLength   int
	LongBonus    float64

	// FileLineBonus is added when metadata carries both file and line.
	FileLineBonus float64
}

// DefaultAssessorConfig returns the standard formula parameters.
func DefaultAssessorConfig() AssessorConfig {
	return AssessorConfig{
		ContextBase: map[string]float64{
			ContextTaskCritical: 0.85,
			ContextDecision:     0.80,
			ContextCodeSymbol:   0.70,
			ContextReference:    0.65,
			ContextConversation: 0.50,
			ContextGeneral:      0.45,
		},
		UnknownBase:     0.50,
		KeywordBonus:    0.05,
		KeywordBonusCap: 0.15,
		ShortLength:     20,
		ShortPenalty:    0.10,
		LongLength:      400,
		LongBonus:       0.05,
		FileLineBonus:   0.05,
	}
}

// Assessor scores candidate memories in [0,1] from content signals,
// the context label, and metadata. It is pure and safe for concurrent
// use.
type Assessor struct {
	cfg AssessorConfig
}

// NewAssessor returns an assessor with the given parameters. Zero-value
// fields fall back to the defaults so partial configs stay sane.
func NewAssessor(cfg AssessorConfig) *Assessor {
	def := DefaultAssessorConfig()
	if cfg.ContextBase == nil {
		cfg.ContextBase = def.ContextBase
	}
	if cfg.UnknownBase == 0 {
		cfg.UnknownBase = def.UnknownBase
	}
	if cfg.KeywordBonus == 0 {
		cfg.KeywordBonus = def.KeywordBonus
	}
	if cfg.KeywordBonusCap == 0 {
		cfg.KeywordBonusCap = def.KeywordBonusCap
	}
	if cfg.ShortLength == 0 {
		cfg.ShortLength = def.ShortLength
	}
	if cfg.ShortPenalty == 0 {
		cfg.ShortPenalty = def.ShortPenalty
	}
	if cfg.LongLength == 0 {
		cfg.LongLength = def.LongLength
	}
	if cfg.LongBonus == 0 {
		cfg.LongBonus = def.LongBonus
	}
	if cfg.FileLineBonus == 0 {
		cfg.FileLineBonus = def.FileLineBonus
	}
	return &Assessor{cfg: cfg}
}

// Assess returns the importance of a candidate memory.
//
// A parseable metadata "importance" value is a hard override: it is
// clamped to [0,1] and returned without consulting any other signal.
// Otherwise the score is the context base plus keyword, length, and
// file-location adjustments, clamped to [0,1].
func (a *Assessor) Assess(content, context string, metadata map[string]string) float64 {
	if raw, ok := metadata[MetadataImportanceKey]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return clamp01(v)
		}
	}

	score, ok := a.cfg.ContextBase[context]
	if !ok {
		score = a.cfg.UnknownBase
	}

	bonus := 0.0
	for _, kw := range importanceKeywords {
		if strings.Contains(content, kw) {
			bonus += a.cfg.KeywordBonus
		}
	}
	if bonus > a.cfg.KeywordBonusCap {
		bonus = a.cfg.KeywordBonusCap
	}
	score += bonus

	switch n := utf8.RuneCountInString(content); {
	case n < a.cfg.ShortLength:
		score -= a.cfg.ShortPenalty
	case n > a.cfg.LongLength:
		score += a.cfg.LongBonus
	}

	if _, ok := metadata["file"]; ok {
		if _, ok := metadata["line"]; ok {
			score += a.cfg.FileLineBonus
		}
	}

	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
