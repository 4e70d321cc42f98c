package agents

import (
	"encoding/json"
	"fmt"

	"github.com/betbot/foresight/internal/llm"
)

// FactorCandidate is one proposed forecast driver.
type FactorCandidate struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// DiscoveryOutput is a discovery worker's result.
type DiscoveryOutput struct {
	Factors []FactorCandidate `json:"factors"`
}

// ValidationOutput is the validator's deduplicated factor set.
type ValidationOutput struct {
	ValidatedFactors []FactorCandidate `json:"validated_factors"`
}

// RatedFactor carries a factor name with its 0-10 importance score.
type RatedFactor struct {
	Name  string        `json:"name"`
	Score llm.FlexFloat `json:"importance_score"`
}

// RatingConsensusOutput is the merged rater+consensus result.
type RatingConsensusOutput struct {
	RatedFactors []RatedFactor `json:"rated_factors"`
	TopFactors   []RatedFactor `json:"top_factors"`
}

// RatingOutput is the legacy standalone rater result.
type RatingOutput struct {
	RatedFactors []RatedFactor `json:"rated_factors"`
}

// ConsensusOutput is the legacy standalone consensus result.
type ConsensusOutput struct {
	TopFactors []RatedFactor `json:"top_factors"`
}

// HistoricalOutput is one historical research worker's result.
type HistoricalOutput struct {
	FactorName         string        `json:"factor_name"`
	HistoricalAnalysis string        `json:"historical_analysis"`
	Sources            []string      `json:"sources"`
	Confidence         llm.FlexFloat `json:"confidence"`
}

// CurrentOutput is one current-data research worker's result.
type CurrentOutput struct {
	FactorName      string        `json:"factor_name"`
	CurrentFindings string        `json:"current_findings"`
	Sources         []string      `json:"sources"`
	Confidence      llm.FlexFloat `json:"confidence"`
}

// PredictionOutput is a synthesis worker's final forecast.
type PredictionOutput struct {
	Prediction            string        `json:"prediction"`
	PredictionProbability llm.FlexFloat `json:"prediction_probability"`
	Confidence            llm.FlexFloat `json:"confidence"`
	Reasoning             string        `json:"reasoning"`
	KeyFactors            []string      `json:"key_factors"`
}

func objectSchema(name string, props string, required ...string) *llm.Schema {
	req, _ := json.Marshal(required)
	raw := fmt.Sprintf(`{"type":"object","properties":%s,"required":%s,"additionalProperties":false}`, props, req)
	return &llm.Schema{Name: name, Raw: json.RawMessage(raw)}
}

const factorListProp = `{"type":"array","items":{"type":"object","properties":{"name":{"type":"string"},"description":{"type":"string"},"category":{"type":"string"}},"required":["name","description","category"]}}`

const ratedListProp = `{"type":"array","items":{"type":"object","properties":{"name":{"type":"string"},"importance_score":{"type":"number"}},"required":["name","importance_score"]}}`

// DiscoverySchema validates a discovery worker's output.
func DiscoverySchema() *llm.Schema {
	s := objectSchema("factor_discovery", fmt.Sprintf(`{"factors":%s}`, factorListProp), "factors")
	s.Check = func(raw json.RawMessage) error {
		var out DiscoveryOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		if len(out.Factors) == 0 {
			return fmt.Errorf("factors must not be empty")
		}
		for i, f := range out.Factors {
			if f.Name == "" {
				return fmt.Errorf("factors[%d].name must not be empty", i)
			}
		}
		return nil
	}
	return s
}

// ValidationSchema validates the validator's output.
func ValidationSchema() *llm.Schema {
	s := objectSchema("factor_validation", fmt.Sprintf(`{"validated_factors":%s}`, factorListProp), "validated_factors")
	s.Check = func(raw json.RawMessage) error {
		var out ValidationOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		for i, f := range out.ValidatedFactors {
			if f.Name == "" {
				return fmt.Errorf("validated_factors[%d].name must not be empty", i)
			}
		}
		return nil
	}
	return s
}

func checkScores(factors []RatedFactor, field string) error {
	for i, f := range factors {
		if f.Name == "" {
			return fmt.Errorf("%s[%d].name must not be empty", field, i)
		}
		if f.Score < 0 || f.Score > 10 {
			return fmt.Errorf("%s[%d].importance_score %v out of range [0,10]", field, i, float64(f.Score))
		}
	}
	return nil
}

// RatingConsensusSchema validates the merged rater+consensus output.
func RatingConsensusSchema() *llm.Schema {
	s := objectSchema("rating_consensus",
		fmt.Sprintf(`{"rated_factors":%s,"top_factors":%s}`, ratedListProp, ratedListProp),
		"rated_factors", "top_factors")
	s.Check = func(raw json.RawMessage) error {
		var out RatingConsensusOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		if err := checkScores(out.RatedFactors, "rated_factors"); err != nil {
			return err
		}
		return checkScores(out.TopFactors, "top_factors")
	}
	return s
}

// RatingSchema validates the legacy standalone rater output.
func RatingSchema() *llm.Schema {
	s := objectSchema("factor_rating", fmt.Sprintf(`{"rated_factors":%s}`, ratedListProp), "rated_factors")
	s.Check = func(raw json.RawMessage) error {
		var out RatingOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		return checkScores(out.RatedFactors, "rated_factors")
	}
	return s
}

// ConsensusSchema validates the legacy standalone consensus output.
func ConsensusSchema() *llm.Schema {
	s := objectSchema("consensus", fmt.Sprintf(`{"top_factors":%s}`, ratedListProp), "top_factors")
	s.Check = func(raw json.RawMessage) error {
		var out ConsensusOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		return checkScores(out.TopFactors, "top_factors")
	}
	return s
}

func checkConfidence(v llm.FlexFloat) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("confidence %v out of range [0,1]", float64(v))
	}
	return nil
}

// HistoricalSchema validates a historical research worker's output.
func HistoricalSchema() *llm.Schema {
	s := objectSchema("historical_research",
		`{"factor_name":{"type":"string"},"historical_analysis":{"type":"string"},"sources":{"type":"array","items":{"type":"string"}},"confidence":{"type":"number"}}`,
		"factor_name", "historical_analysis", "sources", "confidence")
	s.Check = func(raw json.RawMessage) error {
		var out HistoricalOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		if out.HistoricalAnalysis == "" {
			return fmt.Errorf("historical_analysis must not be empty")
		}
		return checkConfidence(out.Confidence)
	}
	return s
}

// CurrentSchema validates a current-data research worker's output.
func CurrentSchema() *llm.Schema {
	s := objectSchema("current_research",
		`{"factor_name":{"type":"string"},"current_findings":{"type":"string"},"sources":{"type":"array","items":{"type":"string"}},"confidence":{"type":"number"}}`,
		"factor_name", "current_findings", "sources", "confidence")
	s.Check = func(raw json.RawMessage) error {
		var out CurrentOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		if out.CurrentFindings == "" {
			return fmt.Errorf("current_findings must not be empty")
		}
		return checkConfidence(out.Confidence)
	}
	return s
}

// PredictionSchema validates a synthesis worker's output. Out-of-range
// probabilities are not re-prompted; RunSynthesis clamps them to [0,1].
func PredictionSchema() *llm.Schema {
	s := objectSchema("prediction",
		`{"prediction":{"type":"string"},"prediction_probability":{"type":"number"},"confidence":{"type":"number"},"reasoning":{"type":"string"},"key_factors":{"type":"array","items":{"type":"string"}}}`,
		"prediction", "prediction_probability", "confidence", "reasoning", "key_factors")
	s.Check = func(raw json.RawMessage) error {
		var out PredictionOutput
		return json.Unmarshal(raw, &out)
	}
	return s
}
