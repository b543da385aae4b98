package model

// OutOfRangeThreshold is the bucket name used when the measured value is
// past every configured threshold.
const OutOfRangeThreshold = "__out_of_range__"

// Violation is produced for every violation occurrence and handed to the
// enforcer.
type Violation struct {
	ID                 string            `json:"id"`
	CurrentValue       string            `json:"currentValue"`
	Threshold          *string           `json:"threshold"`
	PolicyName         string            `json:"policyName"`
	PolicyID           string            `json:"policyId"`
	MeasurementBackend string            `json:"measurementBackend"`
	ExtraLabels        map[string]string `json:"extraLabels"`
	Subject            Subject           `json:"subject"`
}
