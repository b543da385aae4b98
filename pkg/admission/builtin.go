package admission

// BuiltinRules returns the rules shipped with polman.
func BuiltinRules() []Rule {
	return []Rule{
		actionURLRule(),
		durationPropertiesRule(),
		reservedThresholdsRule(),
		customSubjectRule(),
		policyNamingRule(),
	}
}

// actionURLRule only lets webhooks target http and https endpoints.
func actionURLRule() Rule {
	return Rule{
		Name:        "action-url-scheme",
		Description: "Webhook actions must target an http or https URL",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"action"},
		Rego: `package polman.admission.action

import rego.v1

deny contains violation if {
	input.policy.action.type == "webhook"
	url := input.policy.action.url
	not regex.match("^https?://", url)
	violation := {
		"message": sprintf("action url '%s' must use http or https", [url]),
		"severity": "error",
	}
}
`,
	}
}

// durationPropertiesRule checks the properties copied into the alerting
// rule, which the measurement backend rejects unless they are durations.
func durationPropertiesRule() Rule {
	return Rule{
		Name:        "duration-properties",
		Description: "The interval and pendingInterval properties must be duration strings such as 30s or 1m30s",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"properties"},
		Rego: `package polman.admission.properties

import rego.v1

duration_re := "^(0|([0-9]+(ms|s|m|h|d|w|y))+)$"

valid_duration(v) if {
	is_string(v)
	regex.match(duration_re, v)
}

deny contains violation if {
	some key in ["interval", "pendingInterval"]
	value := input.policy.properties[key]
	not valid_duration(value)
	violation := {
		"message": sprintf("property %s must be a duration, got %v", [key, value]),
		"severity": "error",
	}
}
`,
	}
}

// reservedThresholdsRule keeps threshold names clear of the out of range
// bucket.
func reservedThresholdsRule() Rule {
	return Rule{
		Name:        "reserved-thresholds",
		Description: "Threshold names starting with two underscores are reserved",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"spec"},
		Rego: `package polman.admission.thresholds

import rego.v1

deny contains violation if {
	some name, _ in input.policy.spec.thresholds
	startswith(name, "__")
	violation := {
		"message": sprintf("threshold name '%s' is reserved", [name]),
		"severity": "error",
	}
}
`,
	}
}

func customSubjectRule() Rule {
	return Rule{
		Name:        "custom-subject-labels",
		Description: "Custom subjects must define at least one label",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"subject"},
		Rego: `package polman.admission.subject

import rego.v1

deny contains violation if {
	input.policy.subject.type == "custom"
	count(object.remove(input.policy.subject, ["type"])) == 0
	violation := {
		"message": "custom subject must define at least one label",
		"severity": "error",
	}
}
`,
	}
}

func policyNamingRule() Rule {
	return Rule{
		Name:        "policy-naming",
		Description: "Policy names should not contain whitespace",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming"},
		Rego: `package polman.admission.naming

import rego.v1

deny contains violation if {
	regex.match("\\s", input.policy.name)
	violation := {
		"message": sprintf("policy name '%s' contains whitespace", [input.policy.name]),
		"severity": "warning",
	}
}
`,
	}
}
