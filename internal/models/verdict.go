package models

import "encoding/json"

// AnalysisResult is the output of a single analyzer run: zero or more
// observations plus the wall-clock cost of producing them.
type AnalysisResult struct {
	Analyzer         string        `json:"analyzer"`
	Observations     []Observation `json:"observations"`
	ProcessingTimeMS float64       `json:"processing_time_ms"`
}

// Get looks up an observation by key.
func (r *AnalysisResult) Get(key string) (Observation, bool) {
	for _, obs := range r.Observations {
		if obs.Key == key {
			return obs, true
		}
	}
	return Observation{}, false
}

// Verdict is the collection of all analyzer results for one email,
// shipped from the analysis worker to the verdict worker.
type Verdict struct {
	MessageID   string           `json:"message_id"`
	UserID      string           `json:"user_id"`
	TenantID    string           `json:"tenant_id"`
	TenantAlias string           `json:"tenant_alias"`
	Sender      string           `json:"sender"`
	Recipients  []string         `json:"recipients"`
	Results     []AnalysisResult `json:"results"`
}

// ParseVerdict decodes a verdicts-queue payload.
func ParseVerdict(data []byte) (*Verdict, error) {
	var v Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Result returns the AnalysisResult produced by the named analyzer.
func (v *Verdict) Result(analyzer string) (*AnalysisResult, bool) {
	for i := range v.Results {
		if v.Results[i].Analyzer == analyzer {
			return &v.Results[i], true
		}
	}
	return nil, false
}
