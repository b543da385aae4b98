package model

// subjectLabels maps subject field names to the telemetry label names used
// by the measurement backend.
var subjectLabels = map[string]string{
	"appName":      "icos_app_name",
	"appInstance":  "icos_app_instance",
	"appComponent": "icos_app_component",
	"hostId":       "icos_host_id",
	"agentId":      "icos_agent_id",
}

// LabelName returns the external label name for a subject field. Fields
// outside the dictionary (custom subjects) are used as label names as is.
func LabelName(field string) string {
	if label, ok := subjectLabels[field]; ok {
		return label
	}
	return field
}

// SubjectLabels returns the subject as a label name to value map.
func SubjectLabels(s Subject) map[string]string {
	fields := s.Fields()
	labels := make(map[string]string, len(fields))
	for field, value := range fields {
		labels[LabelName(field)] = value
	}
	return labels
}
